// Command roomsync is a terminal client for the room synchronization core:
// it creates or joins a room, mirrors the shared room state locally, and
// prints membership, presence and game-state changes as they arrive.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/quizparty/roomsync/internal/channel"
	"github.com/quizparty/roomsync/internal/config"
	"github.com/quizparty/roomsync/internal/database"
	"github.com/quizparty/roomsync/internal/identity"
	"github.com/quizparty/roomsync/internal/member"
	"github.com/quizparty/roomsync/internal/models"
	"github.com/quizparty/roomsync/internal/presence"
	"github.com/quizparty/roomsync/internal/realtime"
	"github.com/quizparty/roomsync/internal/replicate"
	"github.com/quizparty/roomsync/internal/room"
)

func main() {
	var (
		displayName = flag.String("name", "Player", "display name announced on presence")
		create      = flag.Bool("create", false, "create a new room")
		roomName    = flag.String("room", "Game Night", "room name when creating")
		gameType    = flag.String("game", "", "game type to select after creating")
		joinCode    = flag.String("join", "", "code of the room to join")
	)
	flag.Parse()

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := database.Connect(ctx, cfg.DatabaseURL())
	if err != nil {
		logger.Fatalf("database: %v", err)
	}
	defer store.Close()

	bus, err := realtime.Connect(ctx, cfg.RedisAddr, cfg.RedisDB, logger)
	if err != nil {
		logger.Fatalf("redis: %v", err)
	}
	defer bus.Close()

	auth, err := identity.NewAuthenticator(cfg.TokenExpire)
	if err != nil {
		logger.Fatalf("auth: %v", err)
	}
	provider, err := identity.NewStaticProvider(auth, *displayName)
	if err != nil {
		logger.Fatalf("session: %v", err)
	}

	// Composition root: every component gets its collaborators explicitly,
	// no ambient singletons.
	replicator := replicate.NewReplicator(store, bus, logger)
	members := member.NewStore(store, bus, replicator, logger)
	tracker := presence.NewTracker()
	manager := channel.NewManager(bus, store, members, tracker, replicator, logger)
	directory := room.NewDirectory(store, bus, manager, provider, logger)

	manager.OnRoomGone(func(roomID uuid.UUID) {
		directory.HandleRoomGone(roomID)
		logger.WithField("room_id", roomID).Warn("room was closed remotely")
		stop()
	})
	manager.OnBroadcast(func(msg models.BroadcastMessage) {
		logger.WithFields(logrus.Fields{
			"event":  msg.Event,
			"sender": msg.SenderID,
		}).Info("broadcast received")
	})

	var current *models.Room
	switch {
	case *create:
		current, err = directory.CreateRoom(ctx, *roomName, 0)
		if err != nil {
			logger.Fatalf("create room: %v", err)
		}
		logger.Infof("room %q ready, share code %s", current.Name, current.Code)
		if *gameType != "" {
			if err := directory.SelectGame(ctx, *gameType); err != nil {
				logger.Fatalf("select game: %v", err)
			}
		}
	case *joinCode != "":
		current, err = directory.JoinRoom(ctx, *joinCode)
		if err != nil {
			logger.Fatalf("join room: %v", err)
		}
		logger.Infof("joined room %q as %s", current.Name, *displayName)
	default:
		logger.Fatal("pass -create or -join CODE")
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			leaveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := directory.LeaveRoom(leaveCtx); err != nil {
				logger.WithError(err).Warn("leave room incomplete, local state cleared anyway")
			}
			cancel()
			return
		case <-ticker.C:
			printStatus(logger, members, tracker, replicator)
		}
	}
}

func printStatus(logger *logrus.Logger, members *member.Store, tracker *presence.Tracker, replicator *replicate.Replicator) {
	roster := members.Members()
	online := tracker.Online()
	fields := logrus.Fields{
		"members": len(roster),
		"online":  len(online),
	}
	if gs := replicator.Current(); gs != nil {
		fields["phase"] = gs.GamePhase
		fields["round"] = gs.RoundNumber
	}
	logger.WithFields(fields).Info("room status")
	for _, m := range roster {
		logger.Infof("  %s ready=%v online=%v", m.DisplayName, m.IsReady, tracker.IsOnline(m.PlayerID))
	}
}
