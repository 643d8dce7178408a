package command

import (
	"time"

	"github.com/go-co-op/gocron"
	"github.com/spf13/cobra"
)

func (a *app) scheduleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run sync passes on schedule.cron or schedule.interval until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.openSession(ctx, true)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			a.serveMetrics(ctx, s.metrics)

			scheduler := gocron.NewScheduler(time.UTC)
			// A pass never overlaps the previous one.
			scheduler.SingletonModeAll()

			if a.cfg.Schedule.Cron != "" {
				scheduler.Cron(a.cfg.Schedule.Cron)
			} else {
				scheduler.Every(a.cfg.Schedule.Interval)
			}
			_, err = scheduler.Do(func() {
				report, err := s.engine.Run(ctx)
				if err == nil {
					err = report.Load.Err()
				}
				if err != nil {
					a.logger.Error().Err(err).Msg("scheduled run failed")
					return
				}
				a.logger.Info().
					Int("discovered", len(report.Discover.Documents)).
					Int("loaded", len(report.Load.Loaded)).
					Msg("scheduled run finished")
			})
			if err != nil {
				return err
			}

			a.logger.Info().
				Str("cron", a.cfg.Schedule.Cron).
				Dur("interval", a.cfg.Schedule.Interval).
				Msg("scheduler started")
			scheduler.StartAsync()
			<-ctx.Done()
			scheduler.Stop()
			a.logger.Info().Msg("scheduler stopped")
			return nil
		},
	}
}
