package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/mdns/v2"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"homehub/auth"
	"homehub/internal/automation"
	"homehub/internal/bridge"
	"homehub/internal/command"
	"homehub/internal/config"
	"homehub/internal/db"
	"homehub/internal/dispatch"
	"homehub/internal/guard"
	"homehub/internal/models"
	"homehub/internal/mqttbus"
	"homehub/internal/projector"
	"homehub/internal/redis"
	"homehub/internal/registry"
	"homehub/internal/scheduler"
	"homehub/internal/taskqueue"
	"homehub/internal/web"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbConn, err := db.NewDB(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer dbConn.Close()

	redisClient := redis.NewRedisClient(cfg.Redis.Addr)

	session := mqttbus.Connect(mqttbus.Config{
		BrokerURL:       cfg.MQTT.Broker,
		ClientID:        cfg.MQTT.ClientID,
		Username:        cfg.MQTT.Username,
		Password:        cfg.MQTT.Password,
		KeepAlive:       cfg.MQTT.KeepAlive,
		ReconnectPeriod: cfg.MQTT.ReconnectPeriod,
		ConnectTimeout:  cfg.MQTT.ConnectTimeout,
	})

	proj := projector.New(dbConn)
	if err := proj.Load(ctx); err != nil {
		log.Fatalf("Failed to load devices: %v", err)
	}
	proj.SetMirror(func(deviceID string, state projector.RuntimeState) {
		if err := redis.MirrorDeviceState(ctx, redisClient, deviceID, state); err != nil {
			log.Printf("MAIN: Failed to mirror state for %s: %v", deviceID, err)
		}
	})

	session.Subscribe("smarthome/+/status", 1)
	session.Subscribe(command.LegacyStatusTopic, 1)
	session.Subscribe(command.NewDeviceTopic, 1)
	session.Subscribe(command.DiscoveryTopic, 1)
	session.Subscribe(command.ClapResponseTopic, 0)
	session.Subscribe(command.ClapSettingTopic, 0)
	session.Subscribe(command.ClapSettingGetTopic, 0)
	session.Handle(proj.HandleMessage)

	// on every (re)connect ask all known devices for a fresh status
	session.OnConnected(func() {
		for _, dev := range proj.Snapshots() {
			topic := command.StatusRequestTopic(dev.DeviceID)
			if err := session.Publish(topic, nil, 0, 0); err != nil {
				log.Printf("MAIN: Failed to request status from %s: %v", dev.DeviceID, err)
			}
		}
	})
	session.OnStateChange(func(state mqttbus.State) {
		if state == mqttbus.Reconnecting || state == mqttbus.Disconnected {
			proj.AllOffline()
		}
	})

	commandGuard := guard.New(session, guard.Options{})
	dispatcher := dispatch.New(commandGuard, proj)
	reg := registry.New(dbConn)

	queue := taskqueue.NewQueue(cfg.Redis.Addr)
	defer queue.Close()
	worker := taskqueue.NewWorker(cfg.Redis.Addr, dbConn, dispatcher)
	go func() {
		if err := worker.Run(); err != nil {
			log.Fatalf("Failed to start workers: %v", err)
		}
	}()

	sun := automation.NewSunTimes(cfg.Geo.Latitude, cfg.Geo.Longitude)
	sun.Refresh(time.Now())

	clapStore := clapSettingStore{client: redisClient}
	engine := automation.New(dbConn, queue, proj, clapStore, session, reg, sun)
	if err := engine.Load(ctx); err != nil {
		log.Printf("MAIN: Failed to restore clap setting: %v", err)
	}
	session.Handle(engine.HandleMessage)

	sched := scheduler.New()
	if err := engine.RegisterJobs(sched); err != nil {
		log.Fatalf("Failed to register automation jobs: %v", err)
	}
	sched.Start()

	authModule := auth.NewModule(dbConn.Pool(), cfg.JWT.Secret)
	server := web.NewServer(web.Deps{
		Auth:         authModule,
		AgentID:      cfg.App.AgentID,
		DeviceStore:  dbConn,
		Projector:    proj,
		Switcher:     dispatcher,
		Schedules:    dbConn,
		Commands:     reg,
		Queue:        queue,
		Assistant:    engine,
		ClapSettings: engine,
	})
	addr := fmt.Sprintf(":%d", cfg.App.Port)
	go func() {
		if err := server.Start(addr); err != nil {
			log.Fatalf("Failed to start web server: %v", err)
		}
	}()

	go startMDNSServer(cfg.MDNS.LocalName)

	if cfg.RemoteAccess.Enabled {
		go bridge.Start(ctx, bridge.Config{
			PublicWS:   cfg.RemoteAccess.PublicWS,
			LocalURL:   fmt.Sprintf("http://127.0.0.1:%d", cfg.App.Port),
			AgentID:    cfg.App.AgentID,
			RetryDelay: time.Duration(cfg.RemoteAccess.RetryDelaySecs) * time.Second,
		})
	} else {
		log.Println("Remote access bridge is disabled")
	}

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	cancel()
	sched.Stop()
	worker.Stop()
	session.Disconnect()
	log.Println("Shutdown complete")
}

// clapSettingStore adapts the redis helpers to the automation engine.
type clapSettingStore struct {
	client *goredis.Client
}

func (s clapSettingStore) SaveClapSetting(ctx context.Context, setting models.ClapSetting) error {
	return redis.SaveClapSetting(ctx, s.client, setting)
}

func (s clapSettingStore) LoadClapSetting(ctx context.Context) (models.ClapSetting, bool, error) {
	return redis.LoadClapSetting(ctx, s.client)
}

func startMDNSServer(localName string) {
	addr4, err := net.ResolveUDPAddr("udp4", mdns.DefaultAddressIPv4)
	if err != nil {
		log.Println("Failed to resolve UDP4 address for mDNS:", err)
		return
	}

	addr6, err := net.ResolveUDPAddr("udp6", mdns.DefaultAddressIPv6)
	if err != nil {
		log.Println("Failed to resolve UDP6 address for mDNS:", err)
		return
	}

	l4, err := net.ListenUDP("udp4", addr4)
	if err != nil {
		log.Println("Failed to listen on UDP4 for mDNS:", err)
		return
	}

	l6, err := net.ListenUDP("udp6", addr6)
	if err != nil {
		log.Println("Failed to listen on UDP6 for mDNS:", err)
		return
	}

	_, err = mdns.Server(ipv4.NewPacketConn(l4), ipv6.NewPacketConn(l6), &mdns.Config{
		LocalNames: []string{localName},
	})
	if err != nil {
		log.Println("Failed to start mDNS server:", err)
	}
}
