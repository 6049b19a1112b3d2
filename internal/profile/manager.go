package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"evermem/internal/convqueue"
	"evermem/internal/llm"
	"evermem/internal/memerr"
	"evermem/internal/memtypes"
	"evermem/internal/store"
)

// Config tunes profile extraction.
type Config struct {
	// BatchSize caps how many recent memcells feed one extraction.
	BatchSize   int
	Temperature float64
	MaxTokens   int
	// LockTTL bounds how long a profile rewrite may hold its lock.
	LockTTL time.Duration
}

// Manager rebuilds per-user profiles from recent episodes. Rewrites for the
// same (user, group) are serialized with a lock held across the LLM call and
// the write; EnsureLatest after every write repairs any concurrent-writer
// anomaly, so retried rewrites stay idempotent.
type Manager struct {
	llm      llm.Completer
	profiles store.Profiles
	cells    store.MemCells
	locker   convqueue.Locker
	cfg      Config
}

// New wires a Manager.
func New(completer llm.Completer, profiles store.Profiles, cells store.MemCells, locker convqueue.Locker, cfg Config) *Manager {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	return &Manager{llm: completer, profiles: profiles, cells: cells, locker: locker, cfg: cfg}
}

type profileResp struct {
	Profile map[string][]struct {
		Value     string   `json:"value"`
		Evidences []string `json:"evidences"`
	} `json:"profile"`
}

// Rebuild re-extracts the user's profile within the group, merging the old
// profile with the most recent episodes the user participated in.
func (m *Manager) Rebuild(ctx context.Context, userID, groupID string, scene memtypes.Scene, deltas []memtypes.ProfileDelta) error {
	unlock, err := m.locker.Lock(ctx, "profile:"+userID+":"+groupID, m.cfg.LockTTL)
	if err != nil {
		return memerr.Transient("profile.rebuild", err)
	}
	defer unlock()

	old, err := m.profiles.Latest(ctx, userID, groupID)
	if err != nil && memerr.KindOf(err) != memerr.KindNotFound {
		return err
	}

	cells, err := m.cells.RecentByParticipant(ctx, groupID, userID, m.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(cells) == 0 && len(deltas) == 0 {
		log.Debug().Str("user_id", userID).Str("group_id", groupID).Msg("profile_rebuild_skipped_no_input")
		return nil
	}

	var resp profileResp
	_, err = m.llm.Complete(ctx, llm.Request{
		System:      systemFor(scene),
		Prompt:      mergePrompt(userID, old, cells, deltas),
		Temperature: m.cfg.Temperature,
		MaxTokens:   m.cfg.MaxTokens,
		Out:         &resp,
	})
	if err != nil {
		return err
	}
	payload, err := validatePayload(resp)
	if err != nil {
		return memerr.Extraction("profile.rebuild", err)
	}

	p := memtypes.Profile{
		UserID:    userID,
		GroupID:   groupID,
		Version:   store.NextVersion(old.Version),
		IsLatest:  true,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.profiles.Insert(ctx, p); err != nil {
		// The reconciliation below also runs on the failure path: a write
		// that died between the insert and the flip must still converge.
		_ = m.profiles.EnsureLatest(ctx, userID, groupID)
		return err
	}
	if err := m.profiles.EnsureLatest(ctx, userID, groupID); err != nil {
		return err
	}
	log.Info().Str("user_id", userID).Str("group_id", groupID).Str("version", p.Version).
		Msg("profile_rebuilt")
	return nil
}

func validatePayload(resp profileResp) (map[string][]memtypes.ProfileTrait, error) {
	if len(resp.Profile) == 0 {
		return nil, fmt.Errorf("profile payload is empty")
	}
	out := make(map[string][]memtypes.ProfileTrait, len(resp.Profile))
	for category, traits := range resp.Profile {
		category = strings.TrimSpace(category)
		if category == "" {
			continue
		}
		var kept []memtypes.ProfileTrait
		for _, t := range traits {
			if strings.TrimSpace(t.Value) == "" {
				continue
			}
			kept = append(kept, memtypes.ProfileTrait{Value: t.Value, Evidences: t.Evidences})
		}
		if len(kept) > 0 {
			out[category] = kept
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("profile payload had no valid traits")
	}
	return out, nil
}

const assistantSystem = `You maintain a factual profile of a user based on their conversations
with an assistant. Merge the old profile with the new episodes: keep unchanged
categories and their evidences, add new categories, and for updated categories keep
both old and new evidences. Categories are short snake_case nouns.
Respond with JSON only:
{"profile":{"category":[{"value":"...","evidences":["quote", "..."]}]}}`

const companionSystem = `You maintain a profile of a group member based on group conversations.
Capture traits the member revealed themselves: interests, relationships, habits, style.
Merge with the old profile: keep unchanged categories with their evidences, add new
ones, and keep both old and new evidences for updated categories.
Respond with JSON only:
{"profile":{"category":[{"value":"...","evidences":["quote", "..."]}]}}`

func systemFor(scene memtypes.Scene) string {
	if scene == memtypes.SceneCompanion {
		return companionSystem
	}
	return assistantSystem
}

func mergePrompt(userID string, old memtypes.Profile, cells []memtypes.MemCell, deltas []memtypes.ProfileDelta) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User: %s\n\n", userID)
	if len(old.Payload) > 0 {
		raw, _ := json.Marshal(old.Payload)
		fmt.Fprintf(&b, "Current profile (version %s):\n%s\n\n", old.Version, raw)
	} else {
		b.WriteString("No existing profile.\n\n")
	}
	if len(deltas) > 0 {
		b.WriteString("Pending trait observations:\n")
		for _, d := range deltas {
			fmt.Fprintf(&b, "- %s: %s (evidence: %s)\n", d.Category, d.Value, d.Evidence)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Recent episodes (%d, newest first):\n", len(cells))
	for _, c := range cells {
		fmt.Fprintf(&b, "[%s] %s: %s\n", c.Timestamp.Format(time.RFC3339), c.Subject, c.Summary)
	}
	return b.String()
}
