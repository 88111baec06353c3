package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/FitchII-cod/billiard-tracker/internal/agent"
	"github.com/FitchII-cod/billiard-tracker/internal/platform"
	"github.com/FitchII-cod/billiard-tracker/internal/upstream"
	"github.com/FitchII-cod/billiard-tracker/pkg/fetchdto"
)

func main() {
	originURL := os.Getenv("ORIGIN_URL")
	wsURL := os.Getenv("PLATFORM_WS_URL")

	if originURL == "" {
		log.Fatal("ORIGIN_URL is required")
	}

	client := upstream.NewClient(originURL, upstream.WithTimeout(8*time.Second))

	// every asset the agent installs, then the replay target
	paths := append(append([]string(nil), agent.StaticAssets...), agent.MatchesPath)
	for _, p := range paths {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		resp, err := client.Do(ctx, &fetchdto.Request{Method: http.MethodGet, URL: client.URL(p)})
		cancel()
		if err != nil {
			log.Printf("%s error: %v", p, err)
			continue
		}
		log.Printf("%s status=%d bytes=%d ok=%v", p, resp.Status, len(resp.Body), resp.OK())
	}

	if wsURL == "" {
		log.Println("PLATFORM_WS_URL not set; skipping feed check")
		return
	}

	opts := []platform.FeedOption{platform.WithReconnectSync(agent.SyncTag)}
	if token := os.Getenv("PLATFORM_WS_TOKEN"); token != "" {
		opts = append(opts, platform.WithHeader("Authorization", "Bearer "+token))
	}
	feed := platform.NewFeed(wsURL, 5, time.Second, opts...)
	feed.OnStateChange(func(state platform.State) {
		log.Printf("feed state: %s", state)
	})
	feed.OnEvent(func(ev platform.Event) {
		fmt.Printf("feed event type=%s tag=%q\n", ev.Type, ev.Tag)
	})

	cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ccancel()
	if err := feed.Connect(cctx); err != nil {
		log.Printf("feed connect error: %v", err)
		return
	}

	// Observe for a short window
	t := time.NewTimer(10 * time.Second)
	<-t.C

	_ = feed.Close(context.Background())
}
