package server

import (
	"context"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"runline/internal/bus"
	"runline/internal/domain"
	"runline/internal/run"
)

// The live channels are convenience views over the bus: best effort, never
// authoritative. Clients reconcile against GET /runs/{id} and the export
// replay endpoint after any gap.
func registerEvents(api huma.API, cfg Config) {
	sse.Register(api, huma.Operation{
		OperationID: "run-events",
		Method:      "GET",
		Path:        "/runs/{run_id}/events",
		Summary:     "Live run deltas for one run",
	}, map[string]any{
		"run_delta": domain.RunDelta{},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}, send sse.Sender) {
		if err := requireRunAccess(ctx, input.RunID); err != nil {
			return
		}
		sub := cfg.Bus.Subscribe(run.ChannelRuns, bus.Filter{Key: input.RunID}, bus.Policy{
			OnOverflow: bus.Coalesce,
			Buffer:     cfg.App.Channels.RunsBuffer,
		})
		defer sub.Close()
		// Current state first so a reconnecting client starts coherent.
		if rec, err := cfg.Controller.GetRun(ctx, input.RunID); err == nil {
			send.Data(runSnapshotDelta(rec, cfg.Bus.Rev(run.ChannelRuns)))
			if rec.Status.Terminal() {
				return
			}
		}
		streamRunDeltas(ctx, sub, send, "", true)
	})

	sse.Register(api, huma.Operation{
		OperationID: "runs-events",
		Method:      "GET",
		Path:        "/events/runs",
		Summary:     "Live run deltas across all runs",
	}, map[string]any{
		"run_delta": domain.RunDelta{},
	}, func(ctx context.Context, input *struct {
		TaskID string `query:"task_id"`
	}, send sse.Sender) {
		if err := requireAdmin(ctx); err != nil {
			return
		}
		sub := cfg.Bus.Subscribe(run.ChannelRuns, bus.Filter{}, bus.Policy{
			OnOverflow: bus.Coalesce,
			Buffer:     cfg.App.Channels.RunsBuffer,
		})
		defer sub.Close()
		streamRunDeltas(ctx, sub, send, input.TaskID, false)
	})

	sse.Register(api, huma.Operation{
		OperationID: "export-events",
		Method:      "GET",
		Path:        "/runs/{run_id}/export/events",
		Summary:     "Live export deltas with replay",
		Description: "Replays persisted items past the after cursor, then streams live deltas.",
	}, map[string]any{
		"export_delta": domain.ExportDelta{},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
		After int64  `query:"after"`
	}, send sse.Sender) {
		if err := requireRunAccess(ctx, input.RunID); err != nil {
			return
		}
		rec, err := cfg.Controller.GetRun(ctx, input.RunID)
		if err != nil {
			return
		}
		// Subscribe before replaying so nothing published in between is
		// lost; live deltas at or below the replay watermark are skipped.
		sub := cfg.Bus.Subscribe(run.ChannelExport, bus.Filter{Key: input.RunID}, bus.Policy{
			OnOverflow: bus.Drop,
			Buffer:     cfg.App.Channels.ExportBuffer,
		})
		defer sub.Close()
		last := input.After
		for {
			items, next, err := cfg.Controller.ListExport(ctx, input.RunID, last, 0)
			if err != nil {
				return
			}
			for _, it := range items {
				if err := send.Data(exportItemDelta(it, rec.PluginID, 0)); err != nil {
					return
				}
				last = it.Seq
			}
			if next == 0 {
				break
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-sub.C():
				if !ok {
					return
				}
				ed, ok := d.Payload.(domain.ExportDelta)
				if !ok || ed.Seq <= last {
					continue
				}
				ed.Rev = d.Rev
				last = ed.Seq
				if err := send.Data(ed); err != nil {
					return
				}
			}
		}
	})
}

func streamRunDeltas(ctx context.Context, sub *bus.Subscription, send sse.Sender, taskID string, stopOnTerminal bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-sub.C():
			if !ok {
				return
			}
			rd, ok := d.Payload.(domain.RunDelta)
			if !ok {
				continue
			}
			if taskID != "" && (rd.TaskID == nil || *rd.TaskID != taskID) {
				continue
			}
			rd.Rev = d.Rev
			if err := send.Data(rd); err != nil {
				return
			}
			if stopOnTerminal && d.Terminal {
				return
			}
		}
	}
}

func runSnapshotDelta(rec domain.RunRecord, rev int64) domain.RunDelta {
	return domain.RunDelta{
		Op:        domain.OpChange,
		RunID:     rec.RunID,
		Status:    rec.Status,
		Progress:  rec.Progress,
		Stage:     rec.Stage,
		Message:   rec.Message,
		Step:      rec.Step,
		StepTotal: rec.StepTotal,
		UpdatedAt: rec.UpdatedAt,
		Rev:       rev,
		PluginID:  rec.PluginID,
		EntryID:   rec.EntryID,
		TaskID:    rec.TaskID,
	}
}

func exportItemDelta(it domain.ExportItem, pluginID string, rev int64) domain.ExportDelta {
	return domain.ExportDelta{
		Op:           domain.OpAdd,
		RunID:        it.RunID,
		ExportItemID: it.ExportItemID,
		Seq:          it.Seq,
		Type:         it.Type,
		CreatedAt:    it.CreatedAt,
		Rev:          rev,
		PluginID:     pluginID,
	}
}
