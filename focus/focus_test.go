package focus

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/stagehand/capability"
	"github.com/martinemde/stagehand/failure"
	"github.com/martinemde/stagehand/storage"
)

func sample() State {
	return State{
		CurrentFocus:    "collect sources",
		UserGoal:        "write a report on solar panels",
		TaskList:        []string{"search", "summarize", "save"},
		TasksInProgress: []string{"search"},
		FinishedTasks:   []string{},
		FailedTasks:     []string{"open paywalled article"},
		Progress:        0.42,
		ShouldDefocus:   true,
		AdditionalInfo:  "prefer 2024 sources",
	}
}

// stores returns one fresh instance of every Store implementation.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	db, err := storage.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	sqliteStore, err := NewSQLiteStore(db, nil)
	require.NoError(t, err)

	return map[string]Store{
		"file":   NewFileStore(filepath.Join(t.TempDir(), "focus", "focus.json"), nil),
		"sqlite": sqliteStore,
		"memory": &MemoryStore{},
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			want := sample()
			require.NoError(t, store.Write(ctx, want))

			got := store.Read(ctx)
			assert.Equal(t, want, got)
			assert.True(t, got.ShouldDefocus)
			assert.Equal(t, 0.42, got.Progress)
		})
	}
}

func TestStoreRoundTripNormalizes(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			want := State{CurrentFocus: "draft", UserGoal: "report", TaskList: []string{"draft"}}
			require.NoError(t, store.Write(ctx, want))

			got := store.Read(ctx)
			assert.Equal(t, want.Normalized(), got)
			assert.Equal(t, []string{}, got.FinishedTasks)
			assert.Equal(t, got, got.Normalized(), "a read state is already canonical")
		})
	}
}

func TestStoreRejectsInvalidUTF8(t *testing.T) {
	ctx := context.Background()
	cases := map[string]State{
		"string field": {CurrentFocus: "bad\xff", UserGoal: "report"},
		"list item":    {CurrentFocus: "ok", UserGoal: "report", TaskList: []string{"fine", "bad\xfe"}},
		"optional":     {CurrentFocus: "ok", UserGoal: "report", AdditionalInfo: "\xc3\x28"},
	}
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Write(ctx, sample()))
			for field, st := range cases {
				err := store.Write(ctx, st)
				require.Error(t, err, field)
				assert.True(t, failure.Is(err, failure.Persistence), field)
			}
			assert.Equal(t, sample(), store.Read(ctx), "rejected writes leave the record untouched")
		})
	}
}

func TestStoreWriteReplaces(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Write(ctx, sample()))

			next := State{CurrentFocus: "save", UserGoal: "write a report on solar panels", Progress: 0.9}
			require.NoError(t, store.Write(ctx, next))

			got := store.Read(ctx)
			assert.Equal(t, "save", got.CurrentFocus)
			assert.Empty(t, got.TaskList, "no stale fields survive a write")
			assert.Empty(t, got.AdditionalInfo)
			assert.False(t, got.ShouldDefocus)
		})
	}
}

func TestStoreReadMissingReturnsDefault(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, Default(), store.Read(context.Background()))
		})
	}
}

func TestStoreRejectsInvalidWrite(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			err := store.Write(context.Background(), State{Progress: 1.5})
			require.Error(t, err)
			assert.True(t, failure.Is(err, failure.Persistence))
		})
	}
}

func TestFileStoreCorruptRecord(t *testing.T) {
	valid, err := Encode(sample())
	require.NoError(t, err)

	var asMap map[string]any
	require.NoError(t, json.Unmarshal(valid, &asMap))
	delete(asMap, "should_defocus")
	missingKey, err := json.Marshal(asMap)
	require.NoError(t, err)

	cases := map[string]string{
		"garbled":          "{not json",
		"wrong shape":      `["a", "b"]`,
		"missing key":      string(missingKey),
		"out of range":     `{"current_focus":"","user_goal":"","task_list":[],"tasks_in_progress":[],"finished_tasks":[],"failed_tasks":[],"progress":7,"should_defocus":false}`,
		"wrong field type": `{"current_focus":1,"user_goal":"","task_list":[],"tasks_in_progress":[],"finished_tasks":[],"failed_tasks":[],"progress":0,"should_defocus":false}`,
		"empty":            "",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "focus.json")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

			assert.Equal(t, Default(), NewFileStore(path, nil).Read(context.Background()))
		})
	}
}

func TestSQLiteStoreCorruptRow(t *testing.T) {
	db, err := storage.OpenSQLite(":memory:")
	require.NoError(t, err)
	defer db.Close()
	store, err := NewSQLiteStore(db, nil)
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO focus_state (id, document, updated_at) VALUES (1, 'garbage', 'now')`)
	require.NoError(t, err)

	assert.Equal(t, Default(), store.Read(context.Background()))
	require.NoError(t, store.Write(context.Background(), sample()))
	assert.Equal(t, sample(), store.Read(context.Background()))
}

func TestEncodedRecordCarriesEveryRequiredKey(t *testing.T) {
	data, err := Encode(State{})
	require.NoError(t, err)
	var keys map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &keys))
	for _, k := range RequiredKeys {
		assert.Contains(t, keys, k)
	}
	assert.JSONEq(t, `[]`, string(keys["task_list"]))
}

func TestUpdateFocusCapabilityStages(t *testing.T) {
	pending := &Pending{}
	reg, _ := capability.Load(context.Background(), capability.LoadOptions{Modules: []capability.Module{Module(pending)}})
	d := capability.NewDispatcher(reg)

	ctx := AllowUpdates(context.Background())

	res := d.Execute(ctx, capability.Request{
		Name:      UpdateCapabilityName,
		Arguments: []byte(`{"current_focus": "search", "user_goal": "report", "task_list": ["search"], "progress": "0.25"}`),
	})
	require.True(t, res.OK(), res.Output())

	staged, ok := pending.Peek()
	require.True(t, ok)
	assert.Equal(t, 0.25, staged.Progress)
	assert.Equal(t, []string{"search"}, staged.TaskList)
	assert.Equal(t, []string{}, staged.FinishedTasks)

	bad := d.Execute(ctx, capability.Request{
		Name:      UpdateCapabilityName,
		Arguments: []byte(`{"current_focus": "x", "user_goal": "y", "progress": 3}`),
	})
	require.NotNil(t, bad.Failure)
	assert.Equal(t, failure.InvalidArgs, bad.Failure.Kind)

	taken, ok := pending.Take()
	require.True(t, ok)
	assert.Equal(t, "search", taken.CurrentFocus, "rejected update does not replace the staged one")
	_, ok = pending.Take()
	assert.False(t, ok)
}

func TestUpdateFocusRequiresEvaluation(t *testing.T) {
	pending := &Pending{}
	reg, _ := capability.Load(context.Background(), capability.LoadOptions{Modules: []capability.Module{Module(pending)}})
	d := capability.NewDispatcher(reg)
	req := capability.Request{
		Name:      UpdateCapabilityName,
		Arguments: []byte(`{"current_focus": "search", "user_goal": "report"}`),
	}

	res := d.Execute(context.Background(), req)
	require.NotNil(t, res.Failure)
	assert.Equal(t, failure.ExecutionError, res.Failure.Kind)
	assert.Contains(t, res.Failure.Error(), "evaluation stage")

	ctx, cancel := context.WithCancel(AllowUpdates(context.Background()))
	cancel()
	res = d.Execute(ctx, req)
	require.NotNil(t, res.Failure)

	_, ok := pending.Peek()
	assert.False(t, ok, "nothing is staged outside evaluation or after the call ended")
}
