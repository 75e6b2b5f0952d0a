package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codewandler/svcrt/core/actor"
	"github.com/codewandler/svcrt/core/app"
	"github.com/codewandler/svcrt/core/engine"
	"github.com/codewandler/svcrt/core/mq"
)

// === Config ===

var (
	logLevel  = slog.LevelInfo
	pairs     = getEnvInt("P", 100)
	rounds    = getEnvInt("N", 10_000)
	workers   = getEnvInt("W", runtime.NumCPU())
	batchSize = getEnvInt("B", 100_000)
	verbose   = getEnvBool("VERBOSE", false)
)

func getEnvBool(key string, fallback bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	if v == "1" || strings.ToLower(v) == "true" {
		return true
	}
	return false
}

func getEnv(key, fallback string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(getEnv(key, fmt.Sprintf("%d", fallback)))
	if err != nil {
		return fallback
	}
	return v
}

func main() {
	if verbose {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))

	fmt.Printf("  pairs: %d\n", pairs)
	fmt.Printf(" rounds: %d\n", rounds)
	fmt.Printf("workers: %d\n", workers)

	var (
		wg       sync.WaitGroup
		messages atomic.Int64
		startAt  time.Time
	)
	wg.Add(pairs)

	a, err := app.New(app.Config{
		Log:    log,
		Engine: engine.Options{Workers: workers},
		Bootstrap: func(a *app.App) error {
			for i := 0; i < pairs; i++ {
				if err := launchPair(a, rounds, &messages, wg.Done); err != nil {
					return err
				}
			}
			return nil
		},
	})
	checkErr(err)

	// === START ===

	log.Info("==================================")
	log.Info("Starting ...")

	startAt = time.Now()
	checkErr(a.Run())

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	lastTime, lastCount := startAt, int64(0)
	for running := true; running; {
		select {
		case <-finished:
			running = false
		case n := <-ticker.C:
			count := messages.Load()
			if count-lastCount < int64(batchSize) {
				continue
			}
			mu := getMemUsage()
			took := n.Sub(lastTime)
			fmt.Printf(" | %9d msgs | %6d ms | %9d msgs/s | (%d / %d) MiB mem (sys) |\n",
				count-lastCount, took.Milliseconds(), int(float64(count-lastCount)/took.Seconds()), mu.Alloc/1024/1024, mu.Sys/1024/1024)
			lastTime, lastCount = n, count
		}
	}

	// === stats ===
	println("")
	println("==========================================")

	doneAt := time.Now()
	took := doneAt.Sub(startAt)
	a.Stop()
	<-a.Done()
	runtime.GC()

	total := messages.Load()
	fmt.Printf("total runtime: %.3f seconds\n", took.Seconds())
	fmt.Printf("     messages: %d\n", total)
	fmt.Printf("  avg. msgs/s: %d\n", int(float64(total)/took.Seconds()))
}

// launchPair registers a ponger that answers every text message and a
// pinger that keeps one request in flight until it saw n replies.
func launchPair(a *app.App, n int, messages *atomic.Int64, done func()) error {
	pong, err := a.Register("", actor.Handlers(actor.On(mq.KindText, func(ctx *actor.Context, m mq.Message) error {
		messages.Add(1)
		return ctx.Send(m.Source, mq.KindResponse, m.Session, m.Data)
	})))
	if err != nil {
		return err
	}

	seen := 0
	_, err = a.Register("", actor.Handlers(
		actor.Init(func(ctx *actor.Context) error {
			_, err := ctx.Call(pong, mq.KindText, []byte("ping"))
			return err
		}),
		actor.On(mq.KindResponse, func(ctx *actor.Context, m mq.Message) error {
			messages.Add(1)
			seen++
			if seen == n {
				done()
				return nil
			}
			_, err := ctx.Call(pong, mq.KindText, m.Data)
			return err
		}),
	))
	return err
}

// === stats helpers ===

type MemUsage struct {
	Alloc      uint64 // bytes allocated and not yet freed (heap)
	TotalAlloc uint64 // cumulative bytes allocated
	Sys        uint64 // total bytes obtained from OS
	NumGC      uint32 // gc cycles
}

func getMemUsage() MemUsage {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return MemUsage{
		Alloc:      m.Alloc,
		TotalAlloc: m.TotalAlloc,
		Sys:        m.Sys,
		NumGC:      m.NumGC,
	}
}

// === Helpers ===

func checkErr(err error) {
	if err != nil {
		panic(err)
	}
}
