package plume

import (
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// NewMQTTClient builds a paho client from configuration. The caller
// connects it. Returns nil when no broker is configured.
func NewMQTTClient(cfg MQTTConfig) mqtt.Client {
	if cfg.Broker == "" {
		log.Println("MQTT disabled: no broker configured")
		return nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "plumefield"
	}
	opts.SetClientID(clientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Println("Successfully connected to MQTT broker")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("MQTT connection interrupted (%v), auto-reconnect will retry", err)
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		log.Println("MQTT reconnecting...")
	})

	return mqtt.NewClient(opts)
}

// ConnectMQTT connects client, waiting up to timeout
func ConnectMQTT(client mqtt.Client, timeout time.Duration) error {
	log.Println("Connecting to MQTT broker...")
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("MQTT connection timeout after %v", timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("MQTT connection failed: %w", err)
	}
	return nil
}

// ConnectWithRetry keeps trying to connect with exponential backoff until
// it succeeds or stop is closed. Used by the long-running service.
func ConnectWithRetry(client mqtt.Client, stop <-chan struct{}) {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		err := ConnectMQTT(client, 10*time.Second)
		if err == nil {
			return
		}
		log.Printf("%v", err)

		log.Printf("Retrying MQTT connection in %v...", retryDelay)
		select {
		case <-stop:
			return
		case <-time.After(retryDelay):
		}
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}
