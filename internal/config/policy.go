package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"modbridge/backend/internal/models"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ConfigurationError lists every inconsistency found at startup. The
// service refuses to start while any is present.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Features enumerates the optional subsystems.
type Features struct {
	Reports  bool `yaml:"reports"`
	Linking  bool `yaml:"linking"`
	RoleSync bool `yaml:"role_sync"`
}

// StreamConfig declares one report stream.
type StreamConfig struct {
	Name             string `yaml:"name" validate:"required"`
	State            string `yaml:"state" validate:"omitempty,oneof=unresolved resolved"`
	ReporterOrigin   string `yaml:"reporter_origin" validate:"omitempty,oneof=combined local remote"`
	TargetUserOrigin string `yaml:"target_user_origin" validate:"omitempty,oneof=combined local remote"`
	Forwarded        *bool  `yaml:"forwarded"`
	// Notify posts every actioned report of the stream to the alert chat.
	Notify bool `yaml:"notify"`
}

// Policy is the moderation policy file.
type Policy struct {
	Features         Features                  `yaml:"features"`
	Streams          []StreamConfig            `yaml:"streams" validate:"dive"`
	DefaultActions   []models.ModerationAction `yaml:"default_actions"`
	LinkedActions    []models.ModerationAction `yaml:"linked_actions"`
	ExcludeChatRoles []string                  `yaml:"exclude_chat_roles"`
	MuteRoleID       string                    `yaml:"mute_role"`
	WarningLimit     int                       `yaml:"warning_limit" validate:"gte=0"`
	RetryAttempts    int                       `yaml:"retry_attempts" validate:"gte=1"`
	RoleMappings     []models.RoleMapping      `yaml:"role_mappings" validate:"dive"`
	Warning          models.WarningTemplate    `yaml:"warning"`
}

// DefaultPolicy is the policy used for keys the file leaves out.
func DefaultPolicy() Policy {
	return Policy{
		Features:       Features{Reports: true},
		Streams:        []StreamConfig{{Name: "local", State: "unresolved"}},
		DefaultActions: []models.ModerationAction{models.ActionSilence},
		WarningLimit:   DefaultWarningLimit,
		RetryAttempts:  DefaultRetryAttempts,
	}
}

// LoadPolicy reads the policy file at path.
func LoadPolicy(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return ParsePolicy(raw)
}

// ParsePolicy decodes a policy document over DefaultPolicy.
func ParsePolicy(raw []byte) (*Policy, error) {
	p := DefaultPolicy()
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	return &p, nil
}

var validate = validator.New()

// Validate checks the policy against itself and the environment.
func Validate(cfg *Configuration, p *Policy) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				add("%s fails %q", fe.Namespace(), fe.Tag())
			}
		} else {
			add("%v", err)
		}
	}

	switch cfg.StoreDriver {
	case "postgres":
		if cfg.DatabaseURL == "" {
			add("DATABASE_URL is required with STORE_DRIVER=postgres")
		}
	case "memory":
	default:
		add("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
	if (p.Features.Reports || p.Features.RoleSync) && (cfg.InstanceHost == "" || cfg.InstanceToken == "") {
		add("INSTANCE_HOST and INSTANCE_TOKEN are required")
	}

	if p.Features.RoleSync && !p.Features.Linking {
		add("role sync requires account linking")
	}
	if p.Features.RoleSync && len(p.RoleMappings) == 0 {
		add("role sync is enabled without role mappings")
	}
	if p.Features.RoleSync && !cfg.ChatEnabled() {
		add("role sync requires DISCORD_TOKEN and DISCORD_GUILD_ID")
	}

	if p.Features.Reports {
		if len(p.Streams) == 0 {
			add("reports are enabled without streams")
		}
		seen := make(map[string]bool)
		for _, s := range p.Streams {
			if seen[s.Name] {
				add("duplicate stream %q", s.Name)
			}
			seen[s.Name] = true
		}
		problems = append(problems, validateActions(cfg, p)...)
	}

	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}

func validateActions(cfg *Configuration, p *Policy) []string {
	var problems []string
	warn, mute := false, false
	for _, a := range p.DefaultActions {
		if !a.Valid() {
			problems = append(problems, fmt.Sprintf("unknown action %q", a))
		}
		if a.RequiresChat() {
			problems = append(problems, fmt.Sprintf("action %q needs a linked user and cannot be a default action", a))
		}
		warn = warn || a == models.ActionWarn
	}
	for _, a := range p.LinkedActions {
		if !a.Valid() {
			problems = append(problems, fmt.Sprintf("unknown action %q", a))
		}
		warn = warn || a == models.ActionWarn
		mute = mute || a == models.ActionChatMute
	}
	if len(p.LinkedActions) > 0 && !p.Features.Linking {
		problems = append(problems, "linked actions require account linking")
	}
	if len(p.LinkedActions) > 0 && !cfg.ChatEnabled() {
		problems = append(problems, "linked actions require DISCORD_TOKEN and DISCORD_GUILD_ID")
	}
	if len(p.ExcludeChatRoles) > 0 && !cfg.ChatEnabled() {
		problems = append(problems, "exclude_chat_roles requires DISCORD_TOKEN and DISCORD_GUILD_ID")
	}
	if mute && p.MuteRoleID == "" {
		problems = append(problems, "chat-mute requires mute_role")
	}
	if warn && len(p.Warning.Items) == 0 {
		problems = append(problems, "warn requires at least one warning item")
	}
	if warn && strings.TrimSpace(p.Warning.Message) == "" {
		problems = append(problems, "warn requires a warning message")
	}
	return problems
}
