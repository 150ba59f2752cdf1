package pipeline

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sipeed/picoavatar/pkg/audio"
	"github.com/sipeed/picoavatar/pkg/chat"
	"github.com/sipeed/picoavatar/pkg/lipsync"
	"github.com/sipeed/picoavatar/pkg/logger"
	"github.com/sipeed/picoavatar/pkg/media"
)

// EmitFunc receives each payload as soon as its pipeline finishes. Calls
// are serialized but may arrive out of index order.
type EmitFunc func(index int, p Payload)

// ProcessBatch voices msgs under layout as message_<i> artifacts. Up to
// Options.Concurrency artifacts run at once; the result keeps batch order.
func (o *Orchestrator) ProcessBatch(ctx context.Context, layout media.Layout, msgs []chat.Message, emit EmitFunc) []Payload {
	return o.run(ctx, msgs, emit, func(ctx context.Context, i int, m chat.Message) Payload {
		art := o.Process(ctx, i, m.Text, layout.Paths(media.MessageBase(i)))
		return NewPayload(m, art)
	})
}

// ProcessScripted voices fixed messages whose artifacts are cached on disk
// as <prefix>_<i>. A cached artifact with real timing is reused without
// running synthesis.
func (o *Orchestrator) ProcessScripted(ctx context.Context, layout media.Layout, prefix string, msgs []chat.Message, emit EmitFunc) []Payload {
	return o.run(ctx, msgs, emit, func(ctx context.Context, i int, m chat.Message) Payload {
		paths := layout.Paths(media.GreetingBase(fmt.Sprintf("%s_%d", prefix, i)))
		return o.processCached(ctx, i, m, paths)
	})
}

func (o *Orchestrator) processCached(ctx context.Context, index int, m chat.Message, paths media.Paths) Payload {
	unlock := o.lockPath(paths.Base)
	defer unlock()

	if track, err := lipsync.ReadTrack(paths.Track); err == nil && !track.IsFallback() {
		if encoded := o.deps.Encoder.Encode(ctx, paths.Compressed); encoded != "" {
			logger.DebugCF("pipeline", "Serving cached artifact", map[string]any{"base": paths.Base})
			art := NewArtifact(index, m.Text, paths)
			art.Stage = StageEncoded
			art.Track = track
			art.Audio = encoded
			art.AudioMIME = audio.DetectMIME(paths.Compressed, o.opts.DefaultMIME)
			return NewPayload(m, art)
		}
	}
	return NewPayload(m, o.Process(ctx, index, m.Text, paths))
}

func (o *Orchestrator) run(ctx context.Context, msgs []chat.Message, emit EmitFunc, one func(context.Context, int, chat.Message) Payload) []Payload {
	out := make([]Payload, len(msgs))
	var emitMu sync.Mutex

	var g errgroup.Group
	g.SetLimit(o.opts.Concurrency)
	for i, m := range msgs {
		g.Go(func() error {
			p := one(ctx, i, m)
			out[i] = p
			if emit != nil {
				emitMu.Lock()
				emit(i, p)
				emitMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// lockPath serializes work on one cached base name across requests.
func (o *Orchestrator) lockPath(base string) func() {
	v, _ := o.cacheLocks.LoadOrStore(base, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
