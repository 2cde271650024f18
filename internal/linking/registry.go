// Package linking is the identity link registry. It enforces that a chat
// user and a platform account are linked one-to-one and notifies handlers
// when links appear or disappear.
package linking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"modbridge/backend/internal/models"
	"modbridge/backend/internal/storage"

	"github.com/sirupsen/logrus"
)

var (
	// ErrAlreadyLinked is returned when either id already has a verified link.
	ErrAlreadyLinked = errors.New("already linked")
	// ErrNotFound is returned by lookups of ids without a link.
	ErrNotFound = errors.New("link not found")
	// ErrInvalidID is returned for empty ids.
	ErrInvalidID = errors.New("invalid user id")
)

// Handler is notified after a link is created or removed. Handler errors
// are logged and never undo the registry change.
type Handler interface {
	OnLink(ctx context.Context, link models.IdentityLink) error
	OnUnlink(ctx context.Context, link models.IdentityLink) error
}

// Registry maintains identity links. The verification handshake happens
// elsewhere; Link is called once it has completed.
type Registry struct {
	store    storage.LinkStore
	handlers []Handler
	log      logrus.FieldLogger
	now      func() time.Time
}

// NewRegistry creates a new registry.
func NewRegistry(store storage.LinkStore, log logrus.FieldLogger) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{store: store, log: log, now: time.Now}
}

// RegisterHandler adds h to the handlers notified on link changes.
func (r *Registry) RegisterHandler(h Handler) {
	r.handlers = append(r.handlers, h)
}

// Link records a verified link between chatUserID and platformUserID.
func (r *Registry) Link(ctx context.Context, chatUserID, platformUserID string) (*models.IdentityLink, error) {
	chatUserID = strings.TrimSpace(chatUserID)
	platformUserID = strings.TrimSpace(platformUserID)
	if chatUserID == "" || platformUserID == "" {
		return nil, ErrInvalidID
	}

	if existing, err := r.store.FindLinkByChatUser(ctx, chatUserID); err != nil {
		return nil, fmt.Errorf("lookup chat user: %w", err)
	} else if existing != nil {
		return nil, fmt.Errorf("chat user %s: %w", chatUserID, ErrAlreadyLinked)
	}
	if existing, err := r.store.FindLinkByPlatformUser(ctx, platformUserID); err != nil {
		return nil, fmt.Errorf("lookup platform user: %w", err)
	} else if existing != nil {
		return nil, fmt.Errorf("platform user %s: %w", platformUserID, ErrAlreadyLinked)
	}

	link := &models.IdentityLink{
		ChatUserID:     chatUserID,
		PlatformUserID: platformUserID,
		LinkedAt:       r.now(),
		Verified:       true,
	}
	if err := r.store.CreateLink(ctx, link); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, ErrAlreadyLinked
		}
		return nil, fmt.Errorf("create link: %w", err)
	}
	r.log.WithFields(logrus.Fields{"chat_user": chatUserID, "platform_user": platformUserID}).Info("INFO: linked")

	for _, h := range r.handlers {
		if err := h.OnLink(ctx, *link); err != nil {
			r.log.WithField("chat_user", chatUserID).Warnf("link handler: %v", err)
		}
	}
	return link, nil
}

// Unlink removes the link of chatUserID. It is a no-op when there is none.
func (r *Registry) Unlink(ctx context.Context, chatUserID string) error {
	link, err := r.store.DeleteLinkByChatUser(ctx, chatUserID)
	if err != nil {
		return fmt.Errorf("delete link: %w", err)
	}
	if link == nil {
		return nil
	}
	r.log.WithFields(logrus.Fields{"chat_user": chatUserID, "platform_user": link.PlatformUserID}).Info("INFO: unlinked")

	for _, h := range r.handlers {
		if err := h.OnUnlink(ctx, *link); err != nil {
			r.log.WithField("chat_user", chatUserID).Warnf("unlink handler: %v", err)
		}
	}
	return nil
}

// LookupByChatUser returns the link of a chat user or ErrNotFound.
func (r *Registry) LookupByChatUser(ctx context.Context, chatUserID string) (*models.IdentityLink, error) {
	link, err := r.store.FindLinkByChatUser(ctx, chatUserID)
	if err != nil {
		return nil, err
	}
	if link == nil {
		return nil, ErrNotFound
	}
	return link, nil
}

// LookupByPlatformUser returns the link of a platform account or ErrNotFound.
func (r *Registry) LookupByPlatformUser(ctx context.Context, platformUserID string) (*models.IdentityLink, error) {
	link, err := r.store.FindLinkByPlatformUser(ctx, platformUserID)
	if err != nil {
		return nil, err
	}
	if link == nil {
		return nil, ErrNotFound
	}
	return link, nil
}

// VerifiedLinks returns every verified link.
func (r *Registry) VerifiedLinks(ctx context.Context) ([]models.IdentityLink, error) {
	return r.store.ListVerifiedLinks(ctx)
}
