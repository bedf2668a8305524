package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Edward-Tollemache/smartlogger-agent/internal/modbus"
	"github.com/Edward-Tollemache/smartlogger-agent/internal/smartlogger"
)

type publishMsg struct {
	topic   string
	payload any
}

func runAgent(cfg *LoadedConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mc, err := setupMqtt(cfg)
	if err != nil {
		return fmt.Errorf("mqtt setup: %w", err)
	}
	defer mc.Disconnect(2000)

	conn, err := modbus.Dial(ctx, cfg.modbusConfig())
	if err != nil {
		return err
	}
	defer conn.Close()

	reader := smartlogger.NewReader(conn)

	devices, err := discoverDevices(ctx, cfg)
	if err != nil {
		slog.Warn("initial discovery failed, will retry on next tick", "err", err)
	}
	slog.Info("discovery complete", "devices", len(devices))

	// Reader->MQTT message channel
	msgCh := make(chan publishMsg, 32)

	// Publisher goroutine
	go func() {
		for {
			select {
			case <-ctx.Done():
				return

			case msg := <-msgCh:
				payload, err := json.Marshal(msg.payload)
				if err != nil {
					slog.Warn("marshal error when sending mqtt json", "err", err)
					continue
				}

				token := mc.Publish(msg.topic, cfg.MQTT.QoS, cfg.MQTT.Retain, payload)
				if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
					slog.Warn("mqtt publish error", "topic", msg.topic, "err", token.Error())
				}
			}
		}
	}()

	publish := func(topic string, payload any) {
		select {
		case msgCh <- publishMsg{topic: topic, payload: payload}:
		default:
			slog.Warn("publish channel full, dropping sample (mqtt client sad?)", "topic", topic)
		}
	}

	acquire := func() {
		if len(devices) == 0 {
			devices, err = discoverDevices(ctx, cfg)
			if err != nil {
				slog.Warn("discovery failed", "err", err)
				return
			}
			slog.Info("discovery complete", "devices", len(devices))
			if len(devices) == 0 {
				return
			}
		}

		gw := reader.ReadGateway(ctx)
		if gw.Error != "" {
			slog.Warn("gateway read degraded", "err", gw.Error)
		}
		publish(cfg.MQTT.TopicPrefix+"/gateway", gw)

		records := reader.ReadAll(ctx, devices, cfg.batchOptions())

		failed := 0
		for _, rec := range records {
			if rec.Error != "" {
				failed++
				slog.Warn("device read degraded", "unit", rec.UnitID, "err", rec.Error)
			}
			if cfg.LogReads {
				slog.Info("device read", "unit", rec.UnitID, "name", rec.DeviceName, "error", rec.Error)
			}
			publish(fmt.Sprintf("%s/inverter/%d", cfg.MQTT.TopicPrefix, rec.UnitID), rec)
		}

		// Every device failing usually means the gateway itself is gone;
		// rediscover on the next tick in case the plant was renumbered.
		if failed == len(records) && len(records) > 0 {
			slog.Warn("all device reads failed, forcing rediscovery", "devices", len(records))
			devices = nil
		}
	}

	slog.Info("starting acquisition loop", "interval", cfg.interval, "devices", len(devices))

	acquire()

	ticker := time.NewTicker(cfg.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("exiting")
			return nil

		case <-ticker.C:
			acquire()
		}
	}
}

func setupMqtt(cfg *LoadedConfig) (mqtt.Client, error) {
	mopts := mqtt.NewClientOptions().AddBroker(cfg.MQTT.Broker).SetClientID(cfg.MQTT.ClientID)
	if cfg.MQTT.Username != "" {
		mopts.SetUsername(cfg.MQTT.Username)
		mopts.SetPassword(cfg.MQTT.Password)
	}
	mopts.SetAutoReconnect(true).SetConnectRetry(true).SetConnectTimeout(5 * time.Second)

	mc := mqtt.NewClient(mopts)
	token := mc.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("timed out connecting to broker %s", cfg.MQTT.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, err
	}
	return mc, nil
}
