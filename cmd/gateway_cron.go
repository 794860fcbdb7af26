package cmd

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/goclaw/internal/agent"
	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/cron"
	"github.com/nextlevelbuilder/goclaw/internal/scheduler"
	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// makeCronJobHandler builds the AgentJobFunc a cron.Service uses to run an
// agentTurn payload. It routes through the scheduler's cron lane so a cron
// run gets the same per-session singleton-execution and /stop handling as
// any other run.
func makeCronJobHandler(sched *scheduler.Scheduler, cfg *config.Config) cron.AgentJobFunc {
	return func(ctx context.Context, sessionKey string, payload store.CronPayload) (string, error) {
		outCh := sched.Schedule(ctx, scheduler.LaneCron, agent.RunRequest{
			SessionKey: sessionKey,
			Message:    payload.Message,
			Channel:    "cron",
			RunID:      fmt.Sprintf("cron:%s", sessionKey),
			Stream:     false,
			TraceName:  "cron run",
			TraceTags:  []string{"cron"},
		})

		outcome := <-outCh
		if outcome.Err != nil {
			return "", outcome.Err
		}
		return outcome.Result.Content, nil
	}
}

// makeCronDeliverFunc builds the DeliverFunc a cron.Service uses to route a
// finished job's result per its Delivery config.
func makeCronDeliverFunc(msgBus *bus.MessageBus) cron.DeliverFunc {
	return func(job store.CronJob, summary string, runErr error) {
		if runErr != nil || summary == "" {
			return
		}
		if job.Delivery.Channel == "" || job.Delivery.To == "" {
			return
		}
		msgBus.PublishOutbound(bus.OutboundMessage{
			Channel: job.Delivery.Channel,
			ChatID:  job.Delivery.To,
			Content: summary,
		})
	}
}
