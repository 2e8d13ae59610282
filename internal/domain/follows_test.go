package domain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeFollowRepo is an in-memory FollowRepository and QuotaRepository.
type fakeFollowRepo struct {
	accounts map[string]string // id -> handle
	follows  []Follow
	limits   map[string]int
	defLimit int
}

func newFakeFollowRepo() *fakeFollowRepo {
	return &fakeFollowRepo{
		accounts: make(map[string]string),
		limits:   make(map[string]int),
		defLimit: 20,
	}
}

func (r *fakeFollowRepo) UpsertAccount(_ context.Context, account Account) error {
	r.accounts[account.ID] = account.Handle
	return nil
}

func (r *fakeFollowRepo) AccountIDByHandle(_ context.Context, handle string) (string, error) {
	for id, h := range r.accounts {
		if h == handle {
			return id, nil
		}
	}
	return "", nil
}

func (r *fakeFollowRepo) UpdateHandle(_ context.Context, accountID, handle string) error {
	r.accounts[accountID] = handle
	return nil
}

func (r *fakeFollowRepo) DeleteAccount(_ context.Context, accountID string) error {
	delete(r.accounts, accountID)
	kept := r.follows[:0]
	for _, f := range r.follows {
		if f.AccountID != accountID {
			kept = append(kept, f)
		}
	}
	r.follows = kept
	return nil
}

func (r *fakeFollowRepo) CreateFollow(_ context.Context, follow Follow) error {
	r.follows = append(r.follows, follow)
	return nil
}

func (r *fakeFollowRepo) DeleteFollow(_ context.Context, channelID, accountID string) error {
	kept := r.follows[:0]
	for _, f := range r.follows {
		if f.ChannelID != channelID || f.AccountID != accountID {
			kept = append(kept, f)
		}
	}
	r.follows = kept
	return nil
}

func (r *fakeFollowRepo) DeleteFollowsByChannel(_ context.Context, channelID string) error {
	kept := r.follows[:0]
	for _, f := range r.follows {
		if f.ChannelID != channelID {
			kept = append(kept, f)
		}
	}
	r.follows = kept
	return nil
}

func (r *fakeFollowRepo) DeleteFollowsByGuild(_ context.Context, guildID string) error {
	kept := r.follows[:0]
	for _, f := range r.follows {
		if f.GuildID != guildID {
			kept = append(kept, f)
		}
	}
	r.follows = kept
	return nil
}

func (r *fakeFollowRepo) ChannelAccountIDs(_ context.Context, channelID string) ([]string, error) {
	var ids []string
	for _, f := range r.follows {
		if f.ChannelID == channelID {
			ids = append(ids, f.AccountID)
		}
	}
	return ids, nil
}

func (r *fakeFollowRepo) ChannelsForAccount(_ context.Context, accountID string) ([]string, error) {
	var ids []string
	for _, f := range r.follows {
		if f.AccountID == accountID {
			ids = append(ids, f.ChannelID)
		}
	}
	return ids, nil
}

func (r *fakeFollowRepo) DistinctAccountIDs(_ context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var ids []string
	for _, f := range r.follows {
		if !seen[f.AccountID] {
			seen[f.AccountID] = true
			ids = append(ids, f.AccountID)
		}
	}
	return ids, nil
}

func (r *fakeFollowRepo) GuildAccountIDs(_ context.Context, guildID string) ([]string, error) {
	seen := make(map[string]bool)
	var ids []string
	for _, f := range r.follows {
		if f.GuildID == guildID && !seen[f.AccountID] {
			seen[f.AccountID] = true
			ids = append(ids, f.AccountID)
		}
	}
	return ids, nil
}

func (r *fakeFollowRepo) ListFollows(_ context.Context, guildID, channelID string) ([]FollowRecord, error) {
	var records []FollowRecord
	for _, f := range r.follows {
		if f.GuildID != guildID {
			continue
		}
		if channelID != "" && f.ChannelID != channelID {
			continue
		}
		records = append(records, FollowRecord{
			ChannelID: f.ChannelID,
			GuildID:   f.GuildID,
			AccountID: f.AccountID,
			Handle:    r.accounts[f.AccountID],
			AddedAt:   f.AddedAt,
		})
	}
	return records, nil
}

func (r *fakeFollowRepo) AllFollows(_ context.Context) ([]FollowRecord, error) {
	var records []FollowRecord
	for _, f := range r.follows {
		records = append(records, FollowRecord{
			ChannelID: f.ChannelID,
			GuildID:   f.GuildID,
			AccountID: f.AccountID,
			Handle:    r.accounts[f.AccountID],
			AddedAt:   f.AddedAt,
		})
	}
	return records, nil
}

func (r *fakeFollowRepo) FollowLimit(_ context.Context, guildID string) (int, error) {
	if limit, ok := r.limits[guildID]; ok {
		return limit, nil
	}
	r.limits[guildID] = r.defLimit
	return r.defLimit, nil
}

func (r *fakeFollowRepo) SetFollowLimit(_ context.Context, guildID string, limit int) error {
	r.limits[guildID] = limit
	return nil
}

// fakeDirectory resolves handles and IDs from fixed maps.
type fakeDirectory struct {
	byHandle map[string]Account
	byID     map[string]Account
}

func newFakeDirectory(accounts ...Account) *fakeDirectory {
	d := &fakeDirectory{
		byHandle: make(map[string]Account),
		byID:     make(map[string]Account),
	}
	for _, a := range accounts {
		d.byHandle[a.Handle] = a
		d.byID[a.ID] = a
	}
	return d
}

func (d *fakeDirectory) UserByHandle(_ context.Context, handle string) (Account, error) {
	account, ok := d.byHandle[handle]
	if !ok {
		return Account{}, fmt.Errorf("no such user %q", handle)
	}
	return account, nil
}

func (d *fakeDirectory) UsersByID(_ context.Context, ids []string) ([]Account, []string, error) {
	var found []Account
	var missing []string
	for _, id := range ids {
		if account, ok := d.byID[id]; ok {
			found = append(found, account)
		} else {
			missing = append(missing, id)
		}
	}
	return found, missing, nil
}

// fakeMessenger records sends and resolves channels from a fixed set.
type fakeMessenger struct {
	channels   map[string]Destination
	dead       map[string]bool
	deadGuilds map[string]bool
	sent       []string
	presence   string
}

func newFakeMessenger(dests ...Destination) *fakeMessenger {
	m := &fakeMessenger{
		channels:   make(map[string]Destination),
		dead:       make(map[string]bool),
		deadGuilds: make(map[string]bool),
	}
	for _, d := range dests {
		m.channels[d.ChannelID] = d
	}
	return m
}

func (m *fakeMessenger) ResolveChannel(_ context.Context, channelID string) (Destination, error) {
	if m.dead[channelID] {
		return Destination{}, ErrUnknownChannel
	}
	dest, ok := m.channels[channelID]
	if !ok {
		return Destination{}, ErrUnknownChannel
	}
	return dest, nil
}

func (m *fakeMessenger) ResolveGuild(_ context.Context, guildID string) error {
	if m.deadGuilds[guildID] {
		return ErrUnknownGuild
	}
	return nil
}

func (m *fakeMessenger) SendMessage(_ context.Context, channelID string, _ OutgoingMessage) error {
	m.sent = append(m.sent, channelID)
	return nil
}

func (m *fakeMessenger) SetPresence(_ context.Context, activity string) error {
	m.presence = activity
	return nil
}

func newTestService(repo *fakeFollowRepo, dir *fakeDirectory, msgr Messenger) *FollowService {
	return NewFollowService(repo, repo, dir, msgr, 100, discardLogger())
}

var testDest = Destination{ChannelID: "chan-1", GuildID: "guild-1", Name: "feeds"}

func TestAddFollows(t *testing.T) {
	repo := newFakeFollowRepo()
	dir := newFakeDirectory(
		Account{ID: "100", Handle: "alpha"},
		Account{ID: "200", Handle: "beta"},
	)
	svc := newTestService(repo, dir, newFakeMessenger(testDest))

	outcomes, err := svc.AddFollows(context.Background(), testDest, []string{"alpha", "beta", "ghost"})
	if err != nil {
		t.Fatalf("AddFollows: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("got %d outcomes, want 3", len(outcomes))
	}
	if outcomes[0].Err != nil || outcomes[1].Err != nil {
		t.Errorf("known handles failed: %v, %v", outcomes[0].Err, outcomes[1].Err)
	}
	if outcomes[2].Err == nil {
		t.Errorf("unknown handle succeeded")
	}

	ids, _ := repo.ChannelAccountIDs(context.Background(), testDest.ChannelID)
	sort.Strings(ids)
	if diff := cmp.Diff([]string{"100", "200"}, ids); diff != "" {
		t.Errorf("channel follows mismatch (-want +got):\n%s", diff)
	}
}

func TestAddFollowsRejectsDuplicates(t *testing.T) {
	repo := newFakeFollowRepo()
	dir := newFakeDirectory(Account{ID: "100", Handle: "alpha"})
	svc := newTestService(repo, dir, newFakeMessenger(testDest))

	// Same handle twice in one batch: the second sees the first's insert.
	outcomes, err := svc.AddFollows(context.Background(), testDest, []string{"alpha", "alpha"})
	if err != nil {
		t.Fatalf("AddFollows: %v", err)
	}
	if outcomes[0].Err != nil {
		t.Fatalf("first add failed: %v", outcomes[0].Err)
	}
	if !errors.Is(outcomes[1].Err, ErrAlreadyFollowed) {
		t.Errorf("second add = %v, want ErrAlreadyFollowed", outcomes[1].Err)
	}

	// And again in a fresh batch, now against the stored set.
	outcomes, err = svc.AddFollows(context.Background(), testDest, []string{"alpha"})
	if err != nil {
		t.Fatalf("AddFollows: %v", err)
	}
	if !errors.Is(outcomes[0].Err, ErrAlreadyFollowed) {
		t.Errorf("repeat add = %v, want ErrAlreadyFollowed", outcomes[0].Err)
	}
}

func TestAddFollowsEnforcesQuota(t *testing.T) {
	repo := newFakeFollowRepo()
	repo.defLimit = 2

	dir := newFakeDirectory(
		Account{ID: "100", Handle: "alpha"},
		Account{ID: "200", Handle: "beta"},
		Account{ID: "300", Handle: "gamma"},
	)
	svc := newTestService(repo, dir, newFakeMessenger(testDest))

	outcomes, err := svc.AddFollows(context.Background(), testDest, []string{"alpha", "beta", "gamma"})
	if err != nil {
		t.Fatalf("AddFollows: %v", err)
	}
	if outcomes[0].Err != nil || outcomes[1].Err != nil {
		t.Errorf("adds under the limit failed: %v, %v", outcomes[0].Err, outcomes[1].Err)
	}

	var quotaErr *QuotaError
	if !errors.As(outcomes[2].Err, &quotaErr) {
		t.Fatalf("third add = %v, want QuotaError", outcomes[2].Err)
	}
	if quotaErr.Limit != 2 {
		t.Errorf("quota limit = %d, want 2", quotaErr.Limit)
	}
}

func TestQuotaCountsAccountsAcrossChannels(t *testing.T) {
	repo := newFakeFollowRepo()
	repo.defLimit = 2

	dir := newFakeDirectory(
		Account{ID: "100", Handle: "alpha"},
		Account{ID: "200", Handle: "beta"},
		Account{ID: "300", Handle: "gamma"},
	)
	msgr := newFakeMessenger(
		testDest,
		Destination{ChannelID: "chan-2", GuildID: "guild-1"},
	)
	svc := newTestService(repo, dir, msgr)

	// fill the guild to its limit on the first channel
	if _, err := svc.AddFollows(context.Background(), testDest, []string{"alpha", "beta"}); err != nil {
		t.Fatalf("AddFollows: %v", err)
	}

	// An account the guild already tracks is free on a second channel even
	// at the limit; a genuinely new account in the same batch is not.
	second := Destination{ChannelID: "chan-2", GuildID: "guild-1"}
	outcomes, err := svc.AddFollows(context.Background(), second, []string{"alpha", "gamma"})
	if err != nil {
		t.Fatalf("AddFollows: %v", err)
	}
	if outcomes[0].Err != nil {
		t.Errorf("cross-channel re-follow at limit = %v, want success", outcomes[0].Err)
	}
	var quotaErr *QuotaError
	if !errors.As(outcomes[1].Err, &quotaErr) {
		t.Errorf("new account at limit = %v, want QuotaError", outcomes[1].Err)
	}
}

func TestQuotaNotOverchargedInBatch(t *testing.T) {
	repo := newFakeFollowRepo()
	repo.defLimit = 2

	dir := newFakeDirectory(
		Account{ID: "100", Handle: "alpha"},
		Account{ID: "200", Handle: "beta"},
	)
	msgr := newFakeMessenger(
		testDest,
		Destination{ChannelID: "chan-2", GuildID: "guild-1"},
	)
	svc := newTestService(repo, dir, msgr)

	if _, err := svc.AddFollows(context.Background(), testDest, []string{"alpha"}); err != nil {
		t.Fatalf("AddFollows: %v", err)
	}

	// One re-follow and one new account on a second channel: the re-follow
	// must not consume the remaining quota slot.
	second := Destination{ChannelID: "chan-2", GuildID: "guild-1"}
	outcomes, err := svc.AddFollows(context.Background(), second, []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("AddFollows: %v", err)
	}
	for i, o := range outcomes {
		if o.Err != nil {
			t.Errorf("outcome %d (@%s) = %v, want success", i, o.Handle, o.Err)
		}
	}
}

func TestUnlockGuildRaisesLimit(t *testing.T) {
	repo := newFakeFollowRepo()
	repo.defLimit = 1

	dir := newFakeDirectory(
		Account{ID: "100", Handle: "alpha"},
		Account{ID: "200", Handle: "beta"},
	)
	svc := newTestService(repo, dir, newFakeMessenger(testDest))

	if _, err := svc.AddFollows(context.Background(), testDest, []string{"alpha"}); err != nil {
		t.Fatalf("AddFollows: %v", err)
	}
	outcomes, _ := svc.AddFollows(context.Background(), testDest, []string{"beta"})
	var quotaErr *QuotaError
	if !errors.As(outcomes[0].Err, &quotaErr) {
		t.Fatalf("add over limit = %v, want QuotaError", outcomes[0].Err)
	}

	if err := svc.UnlockGuild(context.Background(), testDest.GuildID); err != nil {
		t.Fatalf("UnlockGuild: %v", err)
	}
	outcomes, _ = svc.AddFollows(context.Background(), testDest, []string{"beta"})
	if outcomes[0].Err != nil {
		t.Errorf("add after unlock = %v, want success", outcomes[0].Err)
	}
}

func TestRemoveFollows(t *testing.T) {
	repo := newFakeFollowRepo()
	dir := newFakeDirectory(Account{ID: "100", Handle: "alpha"})
	svc := newTestService(repo, dir, newFakeMessenger(testDest))

	if _, err := svc.AddFollows(context.Background(), testDest, []string{"alpha"}); err != nil {
		t.Fatalf("AddFollows: %v", err)
	}

	outcomes, err := svc.RemoveFollows(context.Background(), testDest.ChannelID, []string{"alpha", "alpha"})
	if err != nil {
		t.Fatalf("RemoveFollows: %v", err)
	}
	if outcomes[0].Err != nil {
		t.Errorf("remove = %v, want success", outcomes[0].Err)
	}
	if !errors.Is(outcomes[1].Err, ErrNotFollowed) {
		t.Errorf("repeat remove = %v, want ErrNotFollowed", outcomes[1].Err)
	}

	ids, _ := repo.ChannelAccountIDs(context.Background(), testDest.ChannelID)
	if len(ids) != 0 {
		t.Errorf("follows remain after removal: %v", ids)
	}
}

func TestRemoveFollowsFallsBackToStoredHandle(t *testing.T) {
	repo := newFakeFollowRepo()
	dir := newFakeDirectory(Account{ID: "100", Handle: "alpha"})
	svc := newTestService(repo, dir, newFakeMessenger(testDest))

	if _, err := svc.AddFollows(context.Background(), testDest, []string{"alpha"}); err != nil {
		t.Fatalf("AddFollows: %v", err)
	}

	// The account disappears upstream; removal by the stored handle still
	// works through the handle cache.
	delete(dir.byHandle, "alpha")

	outcomes, err := svc.RemoveFollows(context.Background(), testDest.ChannelID, []string{"alpha"})
	if err != nil {
		t.Fatalf("RemoveFollows: %v", err)
	}
	if outcomes[0].Err != nil {
		t.Errorf("remove via stored handle = %v, want success", outcomes[0].Err)
	}
}

func TestPurge(t *testing.T) {
	repo := newFakeFollowRepo()
	dir := newFakeDirectory(
		Account{ID: "100", Handle: "alpha"},
		Account{ID: "200", Handle: "beta"},
		Account{ID: "300", Handle: "gamma"},
	)
	deadDest := Destination{ChannelID: "chan-dead", GuildID: "guild-1"}
	msgr := newFakeMessenger(testDest, deadDest)
	svc := newTestService(repo, dir, msgr)

	ctx := context.Background()
	if _, err := svc.AddFollows(ctx, testDest, []string{"alpha", "beta"}); err != nil {
		t.Fatalf("AddFollows: %v", err)
	}
	if _, err := svc.AddFollows(ctx, deadDest, []string{"gamma"}); err != nil {
		t.Fatalf("AddFollows: %v", err)
	}

	// The dead channel vanishes, beta is deleted upstream, alpha renames.
	msgr.dead["chan-dead"] = true
	delete(dir.byID, "200")
	dir.byID["100"] = Account{ID: "100", Handle: "alpha_v2"}

	actions, err := svc.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if len(actions) != 3 {
		t.Fatalf("got %d actions, want 3: %v", len(actions), actions)
	}

	records, _ := repo.AllFollows(ctx)
	if len(records) != 1 {
		t.Fatalf("got %d follows after purge, want 1: %v", len(records), records)
	}
	if records[0].AccountID != "100" || records[0].Handle != "alpha_v2" {
		t.Errorf("surviving follow = %+v, want account 100 renamed to alpha_v2", records[0])
	}
}

func TestPurgeDropsDeadGuilds(t *testing.T) {
	repo := newFakeFollowRepo()
	dir := newFakeDirectory(
		Account{ID: "100", Handle: "alpha"},
		Account{ID: "200", Handle: "beta"},
	)
	goneDest := Destination{ChannelID: "chan-9", GuildID: "guild-gone"}
	msgr := newFakeMessenger(testDest, goneDest)
	svc := newTestService(repo, dir, msgr)

	ctx := context.Background()
	if _, err := svc.AddFollows(ctx, testDest, []string{"alpha"}); err != nil {
		t.Fatalf("AddFollows: %v", err)
	}
	if _, err := svc.AddFollows(ctx, goneDest, []string{"beta"}); err != nil {
		t.Fatalf("AddFollows: %v", err)
	}

	// The bot was removed from the second guild entirely.
	msgr.deadGuilds["guild-gone"] = true

	actions, err := svc.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("got %d actions, want 1: %v", len(actions), actions)
	}
	if !strings.Contains(actions[0], "guild guild-gone") {
		t.Errorf("action = %q, want mention of guild guild-gone", actions[0])
	}

	records, _ := repo.AllFollows(ctx)
	if len(records) != 1 {
		t.Fatalf("got %d follows after purge, want 1: %v", len(records), records)
	}
	if records[0].GuildID != "guild-1" {
		t.Errorf("surviving follow = %+v, want guild-1", records[0])
	}
}

func TestPurgeSkipsTransientChannelErrors(t *testing.T) {
	repo := newFakeFollowRepo()
	dir := newFakeDirectory(Account{ID: "100", Handle: "alpha"})
	msgr := &flakyMessenger{inner: newFakeMessenger()}
	svc := newTestService(repo, dir, msgr)

	ctx := context.Background()
	repo.UpsertAccount(ctx, Account{ID: "100", Handle: "alpha"})
	repo.CreateFollow(ctx, Follow{
		ChannelID: "chan-1",
		GuildID:   "guild-1",
		AccountID: "100",
		AddedAt:   time.Now().UTC(),
	})

	actions, err := svc.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if len(actions) != 0 {
		t.Errorf("got actions %v, want none", actions)
	}
	records, _ := repo.AllFollows(ctx)
	if len(records) != 1 {
		t.Errorf("transient resolution failure dropped follows: %v", records)
	}
}

type flakyMessenger struct {
	inner *fakeMessenger
}

func (m *flakyMessenger) ResolveChannel(context.Context, string) (Destination, error) {
	return Destination{}, errors.New("gateway timeout")
}

func (m *flakyMessenger) ResolveGuild(context.Context, string) error {
	return errors.New("gateway timeout")
}

func (m *flakyMessenger) SendMessage(ctx context.Context, channelID string, msg OutgoingMessage) error {
	return m.inner.SendMessage(ctx, channelID, msg)
}

func (m *flakyMessenger) SetPresence(ctx context.Context, activity string) error {
	return m.inner.SetPresence(ctx, activity)
}
