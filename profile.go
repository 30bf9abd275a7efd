package chatsync

import (
	"encoding/json"
	"strings"
	"time"
)

const profilePrefix = "profile:v1:"

// Profile is the locally edited display profile of the signed-in user.
type Profile struct {
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	Photo       string    `json:"photo"`
	UpdatedAt   time.Time `json:"-"`
}

type profileRecord struct {
	Email       json.RawMessage `json:"email"`
	DisplayName json.RawMessage `json:"displayName"`
	Photo       json.RawMessage `json:"photo"`
	UpdatedAt   json.RawMessage `json:"updatedAt"`
}

// ProfileStore keeps one Profile per user key.
type ProfileStore struct {
	kv    KV
	clock Clock
}

func NewProfileStore(kv KV, clock Clock) *ProfileStore {
	if clock == nil {
		clock = SystemClock
	}
	return &ProfileStore{kv: kv, clock: clock}
}

func profileKey(userKey string) string { return profilePrefix + userKey }

// Load returns the stored profile. Fields of the wrong type read as empty.
func (s *ProfileStore) Load(userKey string) (Profile, bool) {
	data, ok, err := s.kv.Get(profileKey(userKey))
	if err != nil || !ok {
		return Profile{}, false
	}
	var rec profileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return Profile{}, false
	}
	p := Profile{
		Email:       stringField(rec.Email),
		DisplayName: stringField(rec.DisplayName),
		Photo:       stringField(rec.Photo),
	}
	var ms float64
	if len(rec.UpdatedAt) > 0 && json.Unmarshal(rec.UpdatedAt, &ms) == nil && ms > 0 {
		p.UpdatedAt = time.UnixMilli(int64(ms))
	}
	return p, true
}

func stringField(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

// Save stores p with a fresh timestamp and returns what was written.
func (s *ProfileStore) Save(userKey string, p Profile) (Profile, error) {
	p.UpdatedAt = s.clock.Now()
	data, err := json.Marshal(struct {
		Email       string `json:"email"`
		DisplayName string `json:"displayName"`
		Photo       string `json:"photo"`
		UpdatedAt   int64  `json:"updatedAt"`
	}{p.Email, p.DisplayName, p.Photo, p.UpdatedAt.UnixMilli()})
	if err != nil {
		return Profile{}, err
	}
	if err := s.kv.Set(profileKey(userKey), data); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Ensure returns the stored profile, creating one on first use. The display
// name defaults to defaultName, then the local part of email, then "User".
func (s *ProfileStore) Ensure(userKey, email, defaultName, defaultPhoto string) (Profile, error) {
	if p, ok := s.Load(userKey); ok {
		return p, nil
	}
	name := strings.TrimSpace(defaultName)
	if name == "" && email != "" {
		name, _, _ = strings.Cut(email, "@")
	}
	if name == "" {
		name = "User"
	}
	return s.Save(userKey, Profile{Email: email, DisplayName: name, Photo: defaultPhoto})
}
