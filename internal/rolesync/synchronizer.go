// Package rolesync keeps guild roles and platform roles of linked users in
// agreement according to the configured role mappings.
package rolesync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"modbridge/backend/internal/gateway"
	"modbridge/backend/internal/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Side names the system a Change applies to.
type Side string

const (
	SidePlatform Side = "platform"
	SideChat     Side = "chat"
)

// Change is one grant or revoke.
type Change struct {
	Side   Side
	RoleID string
	Grant  bool
}

func (c Change) String() string {
	verb := "revoke"
	if c.Grant {
		verb = "grant"
	}
	return fmt.Sprintf("%s %s role %s", verb, c.Side, c.RoleID)
}

// Plan computes the changes that bring both role sets in line with the
// mappings. Bidirectional mappings only grant: a role held on either side
// ends up held on both.
func Plan(mappings []models.RoleMapping, platformRoles, chatRoles []string) []Change {
	p := toSet(platformRoles)
	c := toSet(chatRoles)
	var changes []Change
	for _, m := range mappings {
		onPlatform, onChat := p[m.PlatformRoleID], c[m.ChatRoleID]
		if onPlatform == onChat {
			continue
		}
		switch m.Direction {
		case models.PlatformToChat:
			changes = append(changes, Change{Side: SideChat, RoleID: m.ChatRoleID, Grant: onPlatform})
		case models.ChatToPlatform:
			changes = append(changes, Change{Side: SidePlatform, RoleID: m.PlatformRoleID, Grant: onChat})
		case models.Bidirectional:
			if onPlatform {
				changes = append(changes, Change{Side: SideChat, RoleID: m.ChatRoleID, Grant: true})
			} else {
				changes = append(changes, Change{Side: SidePlatform, RoleID: m.PlatformRoleID, Grant: true})
			}
		}
	}
	return changes
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// LinkSource lists the links to sweep.
type LinkSource interface {
	VerifiedLinks(ctx context.Context) ([]models.IdentityLink, error)
}

// Result summarizes a sweep.
type Result struct {
	Links    int
	Changes  int
	Failures int
	// TransientFailures counts failed links whose cause may go away.
	TransientFailures int
}

// Synchronizer reconciles role membership of linked identities.
type Synchronizer struct {
	instance    gateway.Instance
	chat        gateway.Chat
	links       LinkSource
	mappings    []models.RoleMapping
	concurrency int
	log         logrus.FieldLogger
}

// NewSynchronizer creates a new synchronizer. concurrency bounds the links
// processed at once.
func NewSynchronizer(instance gateway.Instance, chat gateway.Chat, links LinkSource, mappings []models.RoleMapping, concurrency int, log logrus.FieldLogger) *Synchronizer {
	if concurrency <= 0 {
		concurrency = 1
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Synchronizer{
		instance:    instance,
		chat:        chat,
		links:       links,
		mappings:    mappings,
		concurrency: concurrency,
		log:         log,
	}
}

// SyncLink converges the roles of one link. Every change is attempted even
// when an earlier one failed. It returns the number of applied changes.
func (s *Synchronizer) SyncLink(ctx context.Context, link models.IdentityLink) (int, error) {
	platformRoles, err := s.instance.ListUserRoles(ctx, link.PlatformUserID)
	if err != nil {
		return 0, fmt.Errorf("list platform roles: %w", err)
	}
	chatRoles, err := s.chat.ListMemberRoles(ctx, link.ChatUserID)
	if gateway.IsNotFound(err) {
		// The member left the guild; what the guild granted goes with them.
		return s.revokeGuildGranted(ctx, link, platformRoles)
	}
	if err != nil {
		return 0, fmt.Errorf("list chat roles: %w", err)
	}

	applied := 0
	var errs []error
	for _, c := range Plan(s.mappings, platformRoles, chatRoles) {
		if err := s.apply(ctx, link, c); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c, err))
			continue
		}
		applied++
		s.log.WithFields(logrus.Fields{"chat_user": link.ChatUserID, "platform_user": link.PlatformUserID}).
			Infof("INFO: %s", c)
	}
	return applied, errors.Join(errs...)
}

func (s *Synchronizer) apply(ctx context.Context, link models.IdentityLink, c Change) error {
	switch {
	case c.Side == SideChat && c.Grant:
		return s.chat.AddRole(ctx, link.ChatUserID, c.RoleID)
	case c.Side == SideChat:
		return s.chat.RemoveRole(ctx, link.ChatUserID, c.RoleID)
	case c.Grant:
		return s.instance.GrantRole(ctx, link.PlatformUserID, c.RoleID)
	default:
		return s.instance.RevokeRole(ctx, link.PlatformUserID, c.RoleID)
	}
}

// Sweep synchronizes every verified link. Failures are isolated per link.
func (s *Synchronizer) Sweep(ctx context.Context) (Result, error) {
	links, err := s.links.VerifiedLinks(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list links: %w", err)
	}

	var (
		mu  sync.Mutex
		res = Result{Links: len(links)}
		g   errgroup.Group
	)
	g.SetLimit(s.concurrency)
	for _, link := range links {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			n, err := s.SyncLink(ctx, link)
			mu.Lock()
			defer mu.Unlock()
			res.Changes += n
			if err != nil {
				res.Failures++
				if gateway.IsTransient(err) {
					res.TransientFailures++
				}
				s.log.WithField("chat_user", link.ChatUserID).Warnf("role sync failed: %v", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return res, ctx.Err()
}

// Run performs one sweep for the task runner. Transient failures are
// reported as an error so the runner backs off.
func (s *Synchronizer) Run(ctx context.Context) error {
	res, err := s.Sweep(ctx)
	if err != nil {
		return err
	}
	s.log.Infof("INFO: role sync: %d links, %d changes, %d failed", res.Links, res.Changes, res.Failures)
	if res.TransientFailures > 0 {
		return fmt.Errorf("role sync: %d links failed transiently", res.TransientFailures)
	}
	return nil
}

// OnLink synchronizes a freshly created link.
func (s *Synchronizer) OnLink(ctx context.Context, link models.IdentityLink) error {
	_, err := s.SyncLink(ctx, link)
	return err
}

// OnUnlink revokes the platform roles that were granted from the guild side.
func (s *Synchronizer) OnUnlink(ctx context.Context, link models.IdentityLink) error {
	roles, err := s.instance.ListUserRoles(ctx, link.PlatformUserID)
	if err != nil {
		return fmt.Errorf("list platform roles: %w", err)
	}
	_, err = s.revokeGuildGranted(ctx, link, roles)
	return err
}

// revokeGuildGranted revokes every held platform role that a mapping writes
// from the guild side. It returns the number of revoked roles.
func (s *Synchronizer) revokeGuildGranted(ctx context.Context, link models.IdentityLink, platformRoles []string) (int, error) {
	held := toSet(platformRoles)
	revoked := 0
	var errs []error
	for _, m := range s.mappings {
		if !m.WritesPlatform() || !held[m.PlatformRoleID] {
			continue
		}
		if err := s.instance.RevokeRole(ctx, link.PlatformUserID, m.PlatformRoleID); err != nil {
			errs = append(errs, fmt.Errorf("revoke platform role %s: %w", m.PlatformRoleID, err))
			continue
		}
		delete(held, m.PlatformRoleID)
		revoked++
		s.log.WithFields(logrus.Fields{"chat_user": link.ChatUserID, "platform_user": link.PlatformUserID}).
			Infof("INFO: revoke platform role %s", m.PlatformRoleID)
	}
	return revoked, errors.Join(errs...)
}
