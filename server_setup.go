// server_setup.go - Asynq server setup
package main

import (
	"log"

	"github.com/hibiken/asynq"
)

func startAsynqServer(redisOpt asynq.RedisClientOpt, handlers *TaskHandlers) {
	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(TypePromoterTick, handlers.HandlePromoterTick)
	mux.HandleFunc(TypeSweeperRun, handlers.HandleSweeperRun)
	mux.HandleFunc(TypeNotifyCustomer, handlers.HandleNotifyCustomer)

	// The promoter tick is the admission heartbeat; the sweeper reclaims
	// stream debris on a slow cadence. The promoter lease makes overlapping
	// tick deliveries harmless.
	scheduler := asynq.NewScheduler(redisOpt, nil)
	scheduler.Register("@every 1s", asynq.NewTask(TypePromoterTick, nil), asynq.Queue("critical"))
	scheduler.Register("@every 1m", asynq.NewTask(TypeSweeperRun, nil))

	go func() {
		if err := scheduler.Run(); err != nil {
			log.Fatal("Scheduler failed to start:", err)
		}
	}()

	if err := srv.Run(mux); err != nil {
		log.Fatal("Asynq server failed to start:", err)
	}
}
