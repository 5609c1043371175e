package frameagg

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/fsnotify/fsnotify"

	"github.com/collective/mindgraph-engine/internal/envelope"
)

// WatchFixtures ingests frame fixture files dropped into dir, feeding each
// file's envelopes through the aggregator as if they had arrived on the bus.
// A fixture file is a JSON array of envelopes; event_type selects the topic
// (session.stopped flushes, everything else is treated as an audio frame).
// Files already present when the watch starts are ingested once, in name
// order, so a pre-seeded directory behaves the same as a live drop. Runs
// until ctx is done.
func (a *Aggregator) WatchFixtures(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return err
	}
	a.log.Info().Str("dir", dir).Msg("watching fixture directory")

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		a.ingestFixtureFile(ctx, filepath.Join(dir, name))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if filepath.Ext(ev.Name) != ".json" {
				continue
			}
			a.ingestFixtureFile(ctx, ev.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.log.Warn().Err(err).Msg("fixture watcher error")
		}
	}
}

func (a *Aggregator) ingestFixtureFile(ctx context.Context, path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		a.log.Warn().Err(err).Str("path", path).Msg("failed to read fixture file")
		return
	}

	var envs []envelope.Envelope
	if err := json.Unmarshal(raw, &envs); err != nil {
		a.log.Warn().Err(err).Str("path", path).Msg("failed to parse fixture file")
		return
	}

	for _, env := range envs {
		topic := envelope.TopicAudioFrame
		if env.EventType == envelope.TopicSessionStopped {
			topic = envelope.TopicSessionStopped
		}
		a.HandleEvent(ctx, topic, env)
	}
	a.log.Info().Str("path", path).Int("events", len(envs)).Msg("ingested fixture file")
}
