package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	_ "net/http/pprof"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/salesos/collab/v1/entity"
	"github.com/salesos/collab/v1/lock"
	"github.com/salesos/collab/v1/store"
)

var (
	redisAddr = flag.String("redis", "", "Redis address; empty uses an in-memory store")
	workers   = flag.Int("workers", 64, "Number of concurrent users")
	entities  = flag.Int("entities", 4, "Number of contended entities")
	duration  = flag.Duration("duration", 30*time.Second, "Duration of the stress test")
	hold      = flag.Duration("hold", 2*time.Millisecond, "Maximum time a lock is held")
	pprofAddr = flag.String("pprof", "localhost:6060", "pprof listen address; empty disables it")
)

var errOverlap = errors.New("two holders observed on the same entity")

type stats struct {
	acquired  atomic.Int64
	contended atomic.Int64
	released  atomic.Int64
	failures  atomic.Int64
}

func main() {
	flag.Parse()

	if *pprofAddr != "" {
		go func() {
			log.Printf("Starting pprof on %s", *pprofAddr)
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	var s store.Store
	if *redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: *redisAddr, PoolSize: *workers})
		defer client.Close()
		s = store.NewRedis(client)
	} else {
		mem := store.NewInMemory()
		defer mem.Close()
		s = mem
	}
	mgr, err := lock.NewManager(s)
	if err != nil {
		log.Fatalf("lock manager: %v", err)
	}

	// holders[i] is the worker currently believing it holds entity i, or -1
	holders := make([]atomic.Int64, *entities)
	for i := range holders {
		holders[i].Store(-1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	var st stats
	g, gctx := errgroup.WithContext(ctx)
	log.Printf("Hammering %d entities with %d workers for %v", *entities, *workers, *duration)
	start := time.Now()
	for w := 0; w < *workers; w++ {
		id := int64(w)
		g.Go(func() error {
			r := rand.New(rand.NewSource(time.Now().UnixNano() + id))
			user := fmt.Sprintf("user-%d", id)
			for gctx.Err() == nil {
				n := r.Intn(*entities)
				key := entity.New("deal", fmt.Sprint(n))
				res, err := mgr.Acquire(gctx, key, lock.Holder{UserID: user}, 0)
				if err != nil {
					if gctx.Err() != nil {
						return nil
					}
					st.failures.Add(1)
					continue
				}
				if !res.Success {
					st.contended.Add(1)
					continue
				}
				if !holders[n].CompareAndSwap(-1, id) {
					return fmt.Errorf("%w: %s held by worker %d and %s", errOverlap, key, holders[n].Load(), user)
				}
				st.acquired.Add(1)
				time.Sleep(time.Duration(r.Int63n(int64(*hold) + 1)))
				holders[n].Store(-1)

				// a cancelled context must not leave the entity locked
				ok, err := mgr.Release(context.Background(), key, user)
				if err != nil {
					st.failures.Add(1)
					continue
				}
				if ok {
					st.released.Add(1)
				}
			}
			return nil
		})
	}

	monitorTicker := time.NewTicker(5 * time.Second)
	defer monitorTicker.Stop()
	go func() {
		for {
			select {
			case <-gctx.Done():
				return
			case <-monitorTicker.C:
				printStats(&st, time.Since(start))
			}
		}
	}()

	if err := g.Wait(); err != nil {
		printStats(&st, time.Since(start))
		log.Fatalf("Stress Test Failed: %v", err)
	}
	printStats(&st, time.Since(start))
	log.Println("Stress Test Completed: no overlapping holders.")
}

func printStats(st *stats, elapsed time.Duration) {
	acquired := st.acquired.Load()
	fmt.Printf("Elapsed = %v", elapsed.Round(time.Second))
	fmt.Printf("\tAcquired = %d (%.0f/s)", acquired, float64(acquired)/elapsed.Seconds())
	fmt.Printf("\tContended = %d", st.contended.Load())
	fmt.Printf("\tReleased = %d", st.released.Load())
	fmt.Printf("\tFailures = %d\n", st.failures.Load())
}
