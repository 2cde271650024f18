// Package bootstrap builds the service components from configuration. The
// service and the admin CLI share it.
package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"modbridge/backend/internal/config"
	"modbridge/backend/internal/discord"
	"modbridge/backend/internal/engine"
	"modbridge/backend/internal/gateway"
	"modbridge/backend/internal/linking"
	"modbridge/backend/internal/misskey"
	"modbridge/backend/internal/moderation"
	"modbridge/backend/internal/rolesync"
	"modbridge/backend/internal/storage"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// OpenStore opens the configured store and migrates it. The returned
// function releases its connections.
func OpenStore(ctx context.Context, cfg *config.Configuration, log logrus.FieldLogger) (storage.Storage, func(), error) {
	if cfg.StoreDriver == "memory" {
		log.Warn("using the in-memory store; state is lost on exit")
		return storage.NewMemoryStore(), func() {}, nil
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
	}

	svc := storage.NewStorageService(db, rdb, log.WithField("component", "storage"))
	if err := svc.Migrate(); err != nil {
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info("INFO: database ready, migrations complete")

	closeFn := func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
		if rdb != nil {
			_ = rdb.Close()
		}
	}
	return svc, closeFn, nil
}

// NewInstance creates the instance gateway.
func NewInstance(cfg *config.Configuration, log logrus.FieldLogger) *misskey.Client {
	return misskey.NewClient(misskey.Options{
		Host:            cfg.InstanceHost,
		Token:           cfg.InstanceToken,
		RequestInterval: cfg.RequestInterval,
		Timeout:         cfg.CallTimeout,
		Logger:          log,
	})
}

// InstanceDomain reduces the configured instance host, which may be a full
// base URL, to the bare domain used in note links.
func InstanceDomain(host string) string {
	host = strings.TrimSpace(host)
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	return host
}

// NewChat creates the guild gateway, or returns nil when no guild is configured.
func NewChat(cfg *config.Configuration) (gateway.Chat, error) {
	if !cfg.ChatEnabled() {
		return nil, nil
	}
	g, err := discord.NewGateway(cfg.DiscordToken, cfg.DiscordGuildID, cfg.CallTimeout)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return g, nil
}

// Streams converts the configured streams.
func Streams(p *config.Policy) []moderation.Stream {
	out := make([]moderation.Stream, 0, len(p.Streams))
	for _, s := range p.Streams {
		out = append(out, moderation.Stream{
			Name: s.Name,
			Filter: gateway.ReportFilter{
				State:            s.State,
				ReporterOrigin:   s.ReporterOrigin,
				TargetUserOrigin: s.TargetUserOrigin,
				Forwarded:        s.Forwarded,
			},
			Notify: s.Notify,
		})
	}
	return out
}

// ModerationPolicy converts the configured actions.
func ModerationPolicy(p *config.Policy) moderation.Policy {
	return moderation.Policy{
		DefaultActions:   p.DefaultActions,
		LinkedActions:    p.LinkedActions,
		ExcludeChatRoles: p.ExcludeChatRoles,
		MuteRoleID:       p.MuteRoleID,
		WarningLimit:     p.WarningLimit,
		RetryAttempts:    p.RetryAttempts,
	}
}

// Components are the wired parts of the service.
type Components struct {
	Store        storage.Storage
	Instance     gateway.Instance
	Chat         gateway.Chat
	Registry     *linking.Registry
	Reconciler   *moderation.Reconciler
	Synchronizer *rolesync.Synchronizer
	Tasks        []engine.Task
}

// Build wires the components enabled by the policy. chat may be nil.
func Build(cfg *config.Configuration, p *config.Policy, store storage.Storage, instance gateway.Instance, chat gateway.Chat, alerter moderation.Alerter, log logrus.FieldLogger) *Components {
	c := &Components{
		Store:    store,
		Instance: instance,
		Chat:     chat,
		Registry: linking.NewRegistry(store, log.WithField("component", "linking")),
	}

	if p.Features.RoleSync && chat != nil {
		c.Synchronizer = rolesync.NewSynchronizer(instance, chat, c.Registry, p.RoleMappings,
			cfg.SyncConcurrency, log.WithField("component", "rolesync"))
		c.Registry.RegisterHandler(c.Synchronizer)
		c.Tasks = append(c.Tasks, engine.Task{
			Name:        engine.TaskRoleSync,
			Interval:    cfg.RoleSyncInterval,
			MaxInterval: cfg.BackoffCeiling,
			Run:         c.Synchronizer.Run,
		})
	}

	if p.Features.Reports {
		c.Reconciler = moderation.NewReconciler(moderation.Options{
			Store:    store,
			Instance: instance,
			Chat:     chat,
			Dispatcher: &moderation.Dispatcher{
				Instance: instance,
				Chat:     chat,
				Template: p.Warning,
				Host:     InstanceDomain(cfg.InstanceHost),
				Log:      log.WithField("component", "warning"),
			},
			Policy:   ModerationPolicy(p),
			Streams:  Streams(p),
			PageSize: cfg.PageSize,
			MaxPages: cfg.MaxPages,
			Alerter:  alerter,
			Logger:   log.WithField("component", "reports"),
		})
		c.Tasks = append(c.Tasks, engine.Task{
			Name:        engine.TaskReports,
			Interval:    cfg.PollInterval,
			MaxInterval: cfg.BackoffCeiling,
			Run:         c.Reconciler.Tick,
		})
	}
	return c
}
