package repo

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/objrepo/internal/schema"
	"github.com/tunnelmesh/objrepo/internal/storage"
	"github.com/tunnelmesh/objrepo/testutil"
)

func TestNewRequiresTypeAndBackends(t *testing.T) {
	_, err := New(Config{Logger: zerolog.Nop()})
	assert.ErrorIs(t, err, ErrOrm)

	_, err = New(Config{Type: userType(), Logger: zerolog.Nop()})
	assert.ErrorIs(t, err, ErrOrm)

	_, err = New(Config{Type: &schema.TypeDef{Name: "_bad"}, Backends: []storage.Backend{storage.NewMemory("m", "")}})
	assert.ErrorIs(t, err, ErrOrm)
}

func TestCreateAndFindByID(t *testing.T) {
	ctx := context.Background()
	td := userType()
	_, backends := newFaulty(2)
	r := newRepo(t, td, backends...)

	created, err := r.Create(ctx, user("alice", "alice@example.com", map[string]any{"password": "s3cret", "confirm": "s3cret"}))
	require.NoError(t, err)

	assert.Equal(t, "alice", created.Meta.ID)
	assert.True(t, schema.IsVersion(created.Meta.Version))
	assert.False(t, created.Meta.CTime.IsZero())
	assert.NotContains(t, created.Fields, "password")
	assert.NotContains(t, created.Fields, "confirm")

	for _, b := range backends {
		files := versionFiles(t, b, td, "alice")
		require.Len(t, files, 1, "backend %s", b.Name())
		assert.Equal(t, td.VersionPath("alice", created.Meta.Version), files[0])
	}

	got, err := r.FindByID(ctx, "alice", ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, created.Meta.Version, got.Meta.Version)
	assert.Equal(t, "alice@example.com", got.Fields["email"])
	assert.NotContains(t, got.Fields, "password")

	raw, err := r.FindByID(ctx, "alice", ReadOptions{NoRedact: true})
	require.NoError(t, err)
	assert.Equal(t, "s3cret", raw.Fields["password"])
	assert.NotContains(t, raw.Fields, "confirm")

	ok, err := r.Exists(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = r.FindByID(ctx, "nobody", ReadOptions{})
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "nobody", nf.ID)
	assert.Nil(t, r.SafeFindByID(ctx, "nobody", ReadOptions{}))

	ok, err = r.Exists(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreateExistingIDFails(t *testing.T) {
	ctx := context.Background()
	_, backends := newFaulty(2)
	r := newRepo(t, userType(), backends...)

	_, err := r.Create(ctx, user("alice", "alice@example.com", nil))
	require.NoError(t, err)

	_, err = r.Create(ctx, user("alice", "other@example.com", nil))
	require.ErrorIs(t, err, ErrSync)
	assert.Contains(t, err.Error(), "already exists")
}

func TestCreateIDResolution(t *testing.T) {
	ctx := context.Background()
	_, backends := newFaulty(1)

	generated := newRepo(t, &schema.TypeDef{Name: "notes", GenerateIDs: true}, backends...)
	obj, err := generated.Create(ctx, schema.New(map[string]any{"text": "hello"}))
	require.NoError(t, err)
	assert.NotEmpty(t, obj.Meta.ID)

	strict := newRepo(t, &schema.TypeDef{Name: "tags"}, backends...)
	_, err = strict.Create(ctx, schema.New(map[string]any{"text": "hello"}))
	assert.ErrorIs(t, err, ErrOrm)
}

func TestSingleton(t *testing.T) {
	ctx := context.Background()
	_, backends := newFaulty(2)
	r := newRepo(t, &schema.TypeDef{Name: "settings", Singleton: "global"}, backends...)

	_, err := r.Create(ctx, schema.New(map[string]any{"theme": "dark"}))
	require.NoError(t, err)

	got, err := r.FindSingleton(ctx, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "global", got.Meta.ID)
	assert.Equal(t, "dark", got.Fields["theme"])

	plain := newRepo(t, userType(), backends...)
	_, err = plain.FindSingleton(ctx, ReadOptions{})
	assert.ErrorIs(t, err, ErrOrm)
}

func TestWriteNeedsEveryBackendByDefault(t *testing.T) {
	ctx := context.Background()
	td := userType()
	faulty, backends := newFaulty(2)
	r := newRepo(t, td, backends...)

	faulty[0].SetDown(true)
	_, err := r.Create(ctx, user("alice", "alice@example.com", nil))
	require.ErrorIs(t, err, ErrSync)
	assert.Contains(t, err.Error(), "write quorum")

	// The version that landed on the healthy backend was rolled back.
	assert.Empty(t, versionFiles(t, backends[1], td, "alice"))

	faulty[0].SetDown(false)
	_, err = r.FindByID(ctx, "alice", ReadOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestShortWriteIsAFailedWrite(t *testing.T) {
	ctx := context.Background()
	td := userType()
	faulty, backends := newFaulty(2)
	r := newRepo(t, td, backends...)

	faulty[1].SetShortWrite(true)
	_, err := r.Create(ctx, user("alice", "alice@example.com", nil))
	require.ErrorIs(t, err, ErrSync)

	for _, b := range backends {
		assert.Empty(t, versionFiles(t, b, td, "alice"))
	}
}

func TestReadConfirmCatchesLostWrites(t *testing.T) {
	ctx := context.Background()
	td := userType()
	faulty, backends := newFaulty(2)
	r := newRepo(t, td, backends...)

	faulty[1].SetDropWrites(true)
	_, err := r.Create(ctx, user("alice", "alice@example.com", nil))
	require.ErrorIs(t, err, ErrSync)
	assert.Contains(t, err.Error(), "confirm quorum")

	assert.Empty(t, versionFiles(t, backends[0], td, "alice"))
}

func TestFailedUpdateKeepsPreviousVersion(t *testing.T) {
	ctx := context.Background()
	td := userType()
	faulty, backends := newFaulty(2)
	r := newRepo(t, td, backends...)

	created, err := r.Create(ctx, user("alice", "alice@example.com", map[string]any{"city": "a"}))
	require.NoError(t, err)

	faulty[0].SetDown(true)
	_, err = r.Update(ctx, edit(created, map[string]any{"city": "b"}))
	require.ErrorIs(t, err, ErrSync)
	r.WaitForRepairs()
	faulty[0].Heal()

	for _, b := range backends {
		assert.Equal(t, []string{td.VersionPath("alice", created.Meta.Version)}, versionFiles(t, b, td, "alice"))
	}
	got, err := r.FindByID(ctx, "alice", ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, created.Meta.Version, got.Meta.Version)
	assert.Equal(t, "a", got.Fields["city"])
	assert.True(t, markerExists(backends[1], td, "city", got))

	// With a quorum of one the same update goes through on the healthy
	// backend, and the next read brings the other one up to date.
	td.MinWrites = 1
	faulty[0].SetDown(true)
	updated, err := r.Update(ctx, edit(got, map[string]any{"city": "b"}))
	require.NoError(t, err)
	r.WaitForRepairs()
	faulty[0].Heal()

	assert.Len(t, versionFiles(t, backends[0], td, "alice"), 1)
	assert.Len(t, versionFiles(t, backends[1], td, "alice"), 2)

	got, err = r.FindByID(ctx, "alice", ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, updated.Meta.Version, got.Meta.Version)
	r.WaitForRepairs()

	assert.Equal(t, versionFiles(t, backends[1], td, "alice"), versionFiles(t, backends[0], td, "alice"))
	assert.True(t, markerExists(backends[0], td, "city", got))
}

func TestRolledBackUpdateRestoresIndexMarkers(t *testing.T) {
	ctx := context.Background()
	td := userType()
	faulty, backends := newFaulty(2)
	r := newRepo(t, td, backends...)

	created, err := r.Create(ctx, user("alice", "alice@example.com", nil))
	require.NoError(t, err)

	faulty[1].SetDropWrites(true)
	_, err = r.Update(ctx, edit(created, map[string]any{"email": "alice@new.example.com"}))
	require.ErrorIs(t, err, ErrSync)
	faulty[1].Heal()

	assert.True(t, markerExists(backends[0], td, "email", created))
	moved := created.Clone()
	moved.Fields["email"] = "alice@new.example.com"
	assert.False(t, markerExists(backends[0], td, "email", moved))

	hits, err := r.FindBy(ctx, "email", "alice@example.com", FindByOptions{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "alice", hits[0].Meta.ID)

	_, err = r.Create(ctx, user("bob", "alice@example.com", nil))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.True(t, ve.Has("email", CodeExists))
}

func TestRolledBackCreateRemovesIndexMarkers(t *testing.T) {
	ctx := context.Background()
	td := userType()
	faulty, backends := newFaulty(2)
	r := newRepo(t, td, backends...)

	faulty[0].SetDown(true)
	obj := user("alice", "alice@example.com", map[string]any{"city": "Berlin"})
	_, err := r.Create(ctx, obj)
	require.ErrorIs(t, err, ErrSync)
	faulty[0].Heal()

	obj.Meta.ID = "alice"
	assert.False(t, markerExists(backends[1], td, "email", obj))
	assert.False(t, markerExists(backends[1], td, "city", obj))
}

func TestUndecodableVersionIsDroppedByRepair(t *testing.T) {
	ctx := context.Background()
	td := userType()
	faulty, backends := newFaulty(2)
	r := newRepo(t, td, backends...)

	created, err := r.Create(ctx, user("alice", "alice@example.com", nil))
	require.NoError(t, err)

	garbage := td.VersionPath("alice", schema.NextVersion(created.Meta.Version))
	_, err = backends[1].WriteFile(ctx, garbage, []byte("{not json"))
	require.NoError(t, err)

	got, err := r.FindByID(ctx, "alice", ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, created.Meta.Version, got.Meta.Version)
	r.WaitForRepairs()

	want := []string{td.VersionPath("alice", created.Meta.Version)}
	assert.Equal(t, want, versionFiles(t, backends[1], td, "alice"))

	writes := faulty[1].Writes()
	_, err = r.FindByID(ctx, "alice", ReadOptions{})
	require.NoError(t, err)
	r.WaitForRepairs()
	assert.Equal(t, writes, faulty[1].Writes())
	assert.Equal(t, want, versionFiles(t, backends[1], td, "alice"))
}

func TestMinWritesAndReadRepair(t *testing.T) {
	ctx := context.Background()
	td := userType()
	td.MinWrites = 1
	faulty, backends := newFaulty(2)
	r := newRepo(t, td, backends...)

	faulty[0].SetDown(true)
	created, err := r.Create(ctx, user("alice", "alice@example.com", map[string]any{"city": "Berlin"}))
	require.NoError(t, err)
	assert.Empty(t, versionFiles(t, backends[0], td, "alice"))

	faulty[0].SetDown(false)
	got, err := r.FindByID(ctx, "alice", ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, created.Meta.Version, got.Meta.Version)

	r.WaitForRepairs()
	files := versionFiles(t, backends[0], td, "alice")
	require.Len(t, files, 1)

	want, err := backends[1].ReadFile(ctx, files[0])
	require.NoError(t, err)
	have, err := backends[0].ReadFile(ctx, files[0])
	require.NoError(t, err)
	assert.Equal(t, want, have)

	raw, err := r.FindByID(ctx, "alice", ReadOptions{NoRedact: true})
	require.NoError(t, err)
	assert.True(t, markerExists(backends[0], td, "email", raw))
	assert.True(t, markerExists(backends[0], td, "city", raw))
}

func TestReadRepairOfStaleReplicaIsIdempotent(t *testing.T) {
	ctx := context.Background()
	td := userType()
	td.MinWrites = 1
	faulty, backends := newFaulty(2)
	r := newRepo(t, td, backends...)

	created, err := r.Create(ctx, user("alice", "alice@example.com", map[string]any{"city": "Berlin"}))
	require.NoError(t, err)

	faulty[1].SetDown(true)
	updated, err := r.Update(ctx, edit(created, map[string]any{"city": "Paris"}))
	require.NoError(t, err)
	r.WaitForRepairs()
	faulty[1].SetDown(false)

	stale := versionFiles(t, backends[1], td, "alice")
	require.Len(t, stale, 1)
	assert.Equal(t, td.VersionPath("alice", created.Meta.Version), stale[0])

	got, err := r.FindByID(ctx, "alice", ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, updated.Meta.Version, got.Meta.Version)
	assert.Equal(t, "Paris", got.Fields["city"])

	require.NoError(t, testutil.WaitFor(ctx, 5*time.Millisecond, func() bool {
		return len(versionFiles(t, backends[1], td, "alice")) == 2
	}))
	r.WaitForRepairs()

	raw, err := r.FindByID(ctx, "alice", ReadOptions{NoRedact: true})
	require.NoError(t, err)
	r.WaitForRepairs()
	assert.True(t, markerExists(backends[1], td, "city", raw))
	old := created.Clone()
	old.Fields["city"] = "Berlin"
	assert.False(t, markerExists(backends[1], td, "city", old))

	writes := faulty[1].Writes()
	_, err = r.FindByID(ctx, "alice", ReadOptions{})
	require.NoError(t, err)
	r.WaitForRepairs()
	assert.Equal(t, writes, faulty[1].Writes(), "converged replicas must not be rewritten")
}

func TestUpdateMergesAndChecksVersion(t *testing.T) {
	ctx := context.Background()
	td := userType()
	_, backends := newFaulty(2)
	r := newRepo(t, td, backends...)

	created, err := r.Create(ctx, user("alice", "alice@example.com", map[string]any{
		"password": "s3cret",
		"profile":  map[string]any{"lang": "en", "tz": "UTC"},
	}))
	require.NoError(t, err)

	updated, err := r.Update(ctx, edit(created, map[string]any{
		"city":    "Paris",
		"profile": map[string]any{"lang": "fr"},
	}))
	require.NoError(t, err)
	assert.Greater(t, updated.Meta.Version, created.Meta.Version)
	assert.True(t, updated.Meta.CTime.Equal(created.Meta.CTime))
	assert.False(t, updated.Meta.MTime.Before(created.Meta.MTime))

	raw, err := r.FindByID(ctx, "alice", ReadOptions{NoRedact: true})
	require.NoError(t, err)
	assert.Equal(t, "s3cret", raw.Fields["password"])
	assert.Equal(t, "alice@example.com", raw.Fields["email"])
	assert.Equal(t, "Paris", raw.Fields["city"])
	profile, ok := raw.Fields["profile"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "fr", profile["lang"])
	assert.Equal(t, "UTC", profile["tz"])

	// Editing the version that was just replaced must fail.
	_, err = r.Update(ctx, edit(created, map[string]any{"city": "Rome"}))
	var se *SyncError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, created.Meta.Version, se.Expected)
	assert.Equal(t, updated.Meta.Version, se.Found)

	_, err = r.Update(ctx, edit(&schema.Object{Meta: schema.Meta{ID: "ghost", Version: created.Meta.Version}}, nil))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateWithOptions(t *testing.T) {
	ctx := context.Background()
	_, backends := newFaulty(1)
	r := newRepo(t, userType(), backends...)

	created, err := r.Create(ctx, user("alice", "alice@example.com", nil))
	require.NoError(t, err)

	wanted := schema.NextVersion(created.Meta.Version)
	e := schema.New(map[string]any{"city": "Oslo"})
	e.Meta.ID = "alice"
	updated, err := r.UpdateWithOptions(ctx, e, UpdateOptions{ExpectedVersion: created.Meta.Version, NewVersion: wanted})
	require.NoError(t, err)
	assert.Equal(t, wanted, updated.Meta.Version)

	again, err := r.UpdateWithOptions(ctx, edit(updated, map[string]any{"city": "Bergen"}), UpdateOptions{NewVersion: "bogus"})
	require.NoError(t, err)
	assert.NotEqual(t, "bogus", again.Meta.Version)
	assert.Greater(t, again.Meta.Version, updated.Meta.Version)
}

func TestUpdateCannotChangeID(t *testing.T) {
	ctx := context.Background()
	_, backends := newFaulty(1)
	r := newRepo(t, userType(), backends...)

	created, err := r.Create(ctx, user("alice", "alice@example.com", nil))
	require.NoError(t, err)

	_, err = r.Update(ctx, edit(created, map[string]any{"username": "bob"}))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.True(t, ve.Has("username", CodeImmutable))
}

func TestRemoveWritesTombstone(t *testing.T) {
	ctx := context.Background()
	td := userType()
	_, backends := newFaulty(2)
	r := newRepo(t, td, backends...)

	created, err := r.Create(ctx, user("alice", "alice@example.com", map[string]any{"city": "Berlin"}))
	require.NoError(t, err)

	_, err = r.Remove(ctx, "alice", "0000000000000000-000000000000")
	require.ErrorIs(t, err, ErrSync)

	tomb, err := r.RemoveObject(ctx, created)
	require.NoError(t, err)
	assert.True(t, tomb.IsTombstone())
	assert.Greater(t, tomb.Meta.Version, created.Meta.Version)

	_, err = r.FindByID(ctx, "alice", ReadOptions{})
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := r.FindByID(ctx, "alice", ReadOptions{Removed: true})
	require.NoError(t, err)
	assert.True(t, got.IsTombstone())
	assert.Equal(t, map[string]any{"username": "alice"}, got.Fields)

	ok, err := r.Exists(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	for _, b := range backends {
		assert.False(t, markerExists(b, td, "email", created))
		assert.False(t, markerExists(b, td, "city", created))
	}

	live, err := r.FindAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, live)

	all, err := r.FindAllIncludingRemoved(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].IsTombstone())

	// The id stays taken until the tombstone is purged.
	_, err = r.Create(ctx, user("alice", "alice@example.com", nil))
	assert.ErrorIs(t, err, ErrSync)
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	td := userType()
	_, backends := newFaulty(2)
	r := newRepo(t, td, backends...)

	created, err := r.Create(ctx, user("alice", "alice@example.com", nil))
	require.NoError(t, err)

	err = r.Purge(ctx, "alice", PurgeOptions{})
	require.ErrorIs(t, err, ErrSync)

	_, err = r.Remove(ctx, "alice", created.Meta.Version)
	require.NoError(t, err)
	require.NoError(t, r.Purge(ctx, "alice", PurgeOptions{}))

	for _, b := range backends {
		_, err := b.List(ctx, td.GeneralPath("alice"), storage.ListOptions{})
		assert.ErrorIs(t, err, storage.ErrNotExist)
	}
	_, err = r.FindByID(ctx, "alice", ReadOptions{Removed: true})
	assert.ErrorIs(t, err, ErrNotFound)

	// Purged ids can be created again.
	_, err = r.Create(ctx, user("alice", "alice@example.com", nil))
	require.NoError(t, err)

	require.NoError(t, r.Purge(ctx, "alice", PurgeOptions{Force: true}))
	for _, b := range backends {
		assert.False(t, markerExists(b, td, "email", created))
	}
	assert.ErrorIs(t, r.Purge(ctx, "alice", PurgeOptions{}), ErrNotFound)
}

func TestUniqueAndRequiredIndexes(t *testing.T) {
	ctx := context.Background()
	_, backends := newFaulty(2)
	r := newRepo(t, userType(), backends...)

	_, err := r.Create(ctx, user("alice", "Alice@Example.com", nil))
	require.NoError(t, err)

	_, err = r.Create(ctx, user("bob", "alice@example.COM", nil))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.True(t, ve.Has("email", CodeExists))

	_, err = r.Create(ctx, schema.New(map[string]any{"username": "carol"}))
	require.ErrorAs(t, err, &ve)
	assert.True(t, ve.Has("email", CodeRequired))

	// Re-saving an object with its own unique value is allowed.
	alice, err := r.FindByID(ctx, "alice", ReadOptions{})
	require.NoError(t, err)
	_, err = r.Update(ctx, edit(alice, map[string]any{"city": "Rome"}))
	require.NoError(t, err)
}

func TestValidationErrorsAreAggregated(t *testing.T) {
	ctx := context.Background()
	td := userType()
	td.Validator = func(obj, current *schema.Object) schema.FieldErrors {
		fe := schema.FieldErrors{}
		if name, _ := obj.Get("username"); len(name.(string)) < 3 {
			fe.Add("username", "too_short")
		}
		if pw, _ := obj.Get("password"); pw != nil {
			if confirm, _ := obj.Get("confirm"); confirm != pw {
				fe.Add("confirm", "mismatch")
			}
		}
		return fe
	}
	_, backends := newFaulty(1)
	r := newRepo(t, td, backends...)

	_, err := r.Create(ctx, schema.New(map[string]any{"username": "al", "password": "a", "confirm": "b"}))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.True(t, ve.Has("username", "too_short"))
	assert.True(t, ve.Has("confirm", "mismatch"))
	assert.True(t, ve.Has("email", CodeRequired))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = r.Create(ctx, user("alice", "alice@example.com", map[string]any{"password": "a", "confirm": "a"}))
	require.NoError(t, err)
}

func TestMaxObjectBytes(t *testing.T) {
	ctx := context.Background()
	td := userType()
	td.MaxObjectBytes = 256
	_, backends := newFaulty(1)
	r := newRepo(t, td, backends...)

	_, err := r.Create(ctx, user("alice", "alice@example.com", map[string]any{"bio": strings.Repeat("x", 512)}))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.True(t, ve.Has(ObjectField, CodeTooLarge))
	assert.Empty(t, versionFiles(t, backends[0], td, "alice"))
}

func TestVersionsArePrunedAfterConfirmedWrites(t *testing.T) {
	ctx := context.Background()
	td := userType()
	td.MaxVersions = 2
	_, backends := newFaulty(2)
	r := newRepo(t, td, backends...)

	obj, err := r.Create(ctx, user("alice", "alice@example.com", nil))
	require.NoError(t, err)
	for _, city := range []string{"Berlin", "Paris", "Rome"} {
		obj, err = r.Update(ctx, edit(obj, map[string]any{"city": city}))
		require.NoError(t, err)
	}

	history, err := r.FindVersionsByID(ctx, "alice", ReadOptions{})
	require.NoError(t, err)
	require.Len(t, history, 2)
	for _, h := range history {
		require.NoError(t, h.Err)
		require.Len(t, h.Versions, 2, "backend %s", h.Backend)
		assert.Equal(t, obj.Meta.Version, h.Versions[1].Meta.Version)
		assert.Equal(t, "Paris", h.Versions[0].Fields["city"])
	}
}

func TestFindVersionsByIDReportsBackendErrors(t *testing.T) {
	ctx := context.Background()
	faulty, backends := newFaulty(2)
	r := newRepo(t, userType(), backends...)

	obj, err := r.Create(ctx, user("alice", "alice@example.com", map[string]any{"password": "pw"}))
	require.NoError(t, err)
	_, err = r.Update(ctx, edit(obj, map[string]any{"city": "Oslo"}))
	require.NoError(t, err)

	faulty[1].Fail(storage.OpList)
	history, err := r.FindVersionsByID(ctx, "alice", ReadOptions{})
	require.NoError(t, err)
	require.Len(t, history, 2)

	assert.NoError(t, history[0].Err)
	require.Len(t, history[0].Versions, 2)
	assert.NotContains(t, history[0].Versions[0].Fields, "password")
	assert.ErrorIs(t, history[1].Err, storage.ErrInjected)

	_, err = r.FindVersionsByID(ctx, "nobody", ReadOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScopeSelectsBackends(t *testing.T) {
	ctx := context.Background()
	hot := storage.NewMemory("hot", "hot")
	cold := storage.NewMemory("cold", "cold")

	td := userType()
	td.Scope = "hot"
	r := newRepo(t, td, hot, cold)

	_, err := r.Create(ctx, user("alice", "alice@example.com", nil))
	require.NoError(t, err)
	assert.Len(t, versionFiles(t, hot, td, "alice"), 1)
	assert.Empty(t, versionFiles(t, cold, td, "alice"))

	orphan := userType()
	orphan.Scope = "archive"
	r2 := newRepo(t, orphan, hot, cold)
	_, err = r2.FindByID(ctx, "alice", ReadOptions{})
	assert.ErrorIs(t, err, ErrOrm)
}

func TestResolverErrorIsOrmError(t *testing.T) {
	boom := errors.New("registry offline")
	r, err := New(Config{
		Type:     userType(),
		Resolver: func(context.Context) ([]storage.Backend, error) { return nil, boom },
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	_, err = r.FindAll(context.Background())
	assert.ErrorIs(t, err, ErrOrm)
	assert.ErrorIs(t, err, boom)
}

func TestScrubRepairsMissingReplicas(t *testing.T) {
	ctx := context.Background()
	td := userType()
	td.MinWrites = 1
	faulty, backends := newFaulty(2)
	r := newRepo(t, td, backends...)

	faulty[1].SetDown(true)
	for _, name := range []string{"alice", "bob", "carol"} {
		_, err := r.Create(ctx, user(name, name+"@example.com", nil))
		require.NoError(t, err)
	}
	r.WaitForRepairs()
	faulty[1].SetDown(false)

	report, err := r.Scrub(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, report.Objects)
	assert.EqualValues(t, 3, report.Repaired)
	assert.Zero(t, report.RepairFailures)

	for _, name := range []string{"alice", "bob", "carol"} {
		assert.Len(t, versionFiles(t, backends[1], td, name), 1)
	}
}

func TestCompressedBackendsInterleave(t *testing.T) {
	ctx := context.Background()
	td := userType()
	plain := storage.NewMemory("plain", "")
	packed := storage.NewCompressed(storage.NewMemory("packed", ""))
	r := newRepo(t, td, plain, packed)

	created, err := r.Create(ctx, user("alice", "alice@example.com", map[string]any{"bio": strings.Repeat("la ", 200)}))
	require.NoError(t, err)

	found := r.SafeFindFirstBy(ctx, "email", "ALICE@example.com", FindOptions{})
	require.NotNil(t, found)
	assert.Equal(t, created.Meta.Version, found.Meta.Version)

	r.WaitForRepairs()
	raw, err := packed.ReadFile(ctx, td.VersionPath("alice", created.Meta.Version))
	require.NoError(t, err)
	want, err := plain.ReadFile(ctx, td.VersionPath("alice", created.Meta.Version))
	require.NoError(t, err)
	assert.Equal(t, want, raw)
}
