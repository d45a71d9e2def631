package main

import (
	"log"
	"strconv"

	"roomdrop/discovery"
	"roomdrop/relay"
)

func main() {
	config := relay.LoadConfig()

	if config.MDNSName != "" {
		port, err := strconv.Atoi(config.Port)
		if err != nil {
			log.Fatalf("invalid port %q: %v", config.Port, err)
		}
		advertiser, err := discovery.StartAdvertiser(discovery.Config{
			RelayName: config.MDNSName,
			Port:      port,
		})
		if err != nil {
			log.Fatalf("mdns advertise: %v", err)
		}
		defer advertiser.Stop()
		log.Printf("advertising as %q over mdns", config.MDNSName)
	}

	var presence relay.Presence
	if config.Redis.Host != "" {
		redisPresence, err := relay.NewRedisPresence(config.Redis)
		if err != nil {
			log.Fatalf("redis presence: %v", err)
		}
		defer redisPresence.Close()
		presence = redisPresence
		log.Println("redis presence mirror enabled")
	}

	server := relay.NewServer(config, relay.NewHub(presence))
	if err := server.Run(); err != nil {
		log.Fatalf("relay server: %v", err)
	}
}
