package staffline

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// ProfileFetcher loads profile records.
type ProfileFetcher interface {
	GetProfile(ctx context.Context, userID string) (*Profile, error)
}

// Session holds the signed-in identity and its cached profile. It is created
// once and handed to every component that needs the current user; identity
// changes are broadcast to listeners registered with OnChange.
type Session struct {
	profiles ProfileFetcher
	cache    Cache
	events   *emitter
	logger   zerolog.Logger

	mu        sync.RWMutex
	userID    string
	profile   *Profile
	listeners []func(userID string)
}

func newSession(profiles ProfileFetcher, cache Cache, events *emitter, logger zerolog.Logger) *Session {
	return &Session{
		profiles: profiles,
		cache:    cache,
		events:   events,
		logger:   logger.With().Str("component", "session").Logger(),
	}
}

// UserID returns the current user id, or "" when signed out.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// Profile returns a copy of the cached profile, or nil.
func (s *Session) Profile() *Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile == nil {
		return nil
	}
	p := *s.profile
	return &p
}

// OnChange registers a listener for identity changes. Listeners run
// synchronously in registration order.
func (s *Session) OnChange(fn func(userID string)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// SignIn binds the session to userID, loads the profile, and notifies
// listeners. A profile fetch failure falls back to the cache and does not
// fail the sign-in. Signing in again as the same user is a no-op.
func (s *Session) SignIn(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrNotSignedIn
	}
	s.mu.Lock()
	if s.userID == userID {
		s.mu.Unlock()
		return nil
	}
	s.userID = userID
	s.profile = nil
	s.mu.Unlock()

	if err := s.RefreshProfile(ctx); err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("profile fetch failed, using cache")
		if p, cerr := s.cache.Profile(userID); cerr == nil && p != nil {
			s.setProfile(userID, p)
		}
	}

	s.logger.Info().Str("user_id", userID).Msg("signed in")
	s.notify(userID)
	return nil
}

// SignOut clears identity and profile and notifies listeners.
func (s *Session) SignOut() {
	s.mu.Lock()
	if s.userID == "" {
		s.mu.Unlock()
		return
	}
	s.userID = ""
	s.profile = nil
	s.mu.Unlock()

	s.logger.Info().Msg("signed out")
	s.notify("")
}

// RefreshProfile fetches the current user's profile and caches it.
func (s *Session) RefreshProfile(ctx context.Context) error {
	userID := s.UserID()
	if userID == "" {
		return ErrNotSignedIn
	}
	p, err := s.profiles.GetProfile(ctx, userID)
	if err != nil {
		return err
	}
	s.setProfile(userID, p)
	if err := s.cache.PutProfile(p); err != nil {
		s.logger.Warn().Err(err).Msg("profile cache write failed")
	}
	return nil
}

// setProfile stores p only if userID is still the signed-in user.
func (s *Session) setProfile(userID string, p *Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userID == userID {
		s.profile = p
	}
}

func (s *Session) notify(userID string) {
	s.mu.RLock()
	listeners := append([]func(string){}, s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(userID)
	}
	s.events.emit(EventIdentityChanged, userID)
}
