package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/huddle/pkg/client"
	"github.com/aeolun/huddle/pkg/protocol"
	"github.com/aeolun/huddle/pkg/server"
	"go.uber.org/zap"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(strings.NewReplacer(",", "", ".", "").Replace(strings.ToLower(loremIpsum)))

// generateName builds a unique account name from a lorem fragment, the run
// tag and the bot id.
func generateName(runTag string, id int) string {
	word := loremWords[rand.Intn(len(loremWords))]
	if len(word) > 5 {
		word = word[:5]
	}
	return fmt.Sprintf("%s_%s_%d", word, runTag, id)
}

// Stats tracks performance metrics
type Stats struct {
	groupPosts       atomic.Int64
	directPosts      atomic.Int64
	echoes           atomic.Int64
	postFailures     atomic.Int64
	totalEchoTime    atomic.Int64 // in microseconds
	connectionErrors atomic.Int64
	authRejected     atomic.Int64
	groupsCreated    atomic.Int64
	pushesReceived   atomic.Int64
	disconnections   atomic.Int64
	successfulBots   atomic.Int64
}

func (s *Stats) recordEcho(latency time.Duration) {
	s.echoes.Add(1)
	s.totalEchoTime.Add(latency.Microseconds())
}

func (s *Stats) snapshot() (posted, echoed, failed int64, avgEchoUs float64) {
	posted = s.groupPosts.Load() + s.directPosts.Load()
	echoed = s.echoes.Load()
	failed = s.postFailures.Load()
	if echoed > 0 {
		avgEchoUs = float64(s.totalEchoTime.Load()) / float64(echoed)
	}
	return
}

// Bot is one simulated user. Group posts carry a token so the bot can time
// the server echo of its own message.
type Bot struct {
	id     int
	name   string
	c      *client.Client
	stats  *Stats
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]time.Time // token -> send time
	seq     int
	inGroup atomic.Bool
}

func NewBot(id int, name string, stats *Stats, logger *zap.Logger) *Bot {
	return &Bot{
		id:      id,
		name:    name,
		stats:   stats,
		logger:  logger.With(zap.Int("bot", id), zap.String("name", name)),
		pending: make(map[string]time.Time),
	}
}

func (b *Bot) Connect(addr string) error {
	c, err := client.Dial(addr, 5*time.Second)
	if err != nil {
		b.stats.connectionErrors.Add(1)
		return err
	}
	if err := c.SignUp(b.name, "loadtest", b.name+"@loadtest.invalid"); err != nil {
		c.Close()
		b.stats.authRejected.Add(1)
		return fmt.Errorf("sign up %s: %w", b.name, err)
	}
	b.c = c
	go b.consume()
	return nil
}

// consume drains pushes, matching echoes of this bot's own group posts.
func (b *Bot) consume() {
	for p := range b.c.Pushes() {
		b.stats.pushesReceived.Add(1)
		switch p.Kind {
		case protocol.PushRole:
			b.inGroup.Store(true)
		case protocol.PushGroupMessage:
			if p.Sender != b.name {
				continue
			}
			token, _, _ := strings.Cut(p.Text, " ")
			b.mu.Lock()
			sent, ok := b.pending[token]
			delete(b.pending, token)
			b.mu.Unlock()
			if ok {
				b.stats.recordEcho(time.Since(sent))
			}
		}
	}
	b.stats.disconnections.Add(1)
}

func (b *Bot) CreateGroup(members []string) error {
	if err := b.c.CreateGroup(members); err != nil {
		return err
	}
	b.stats.groupsCreated.Add(1)
	return nil
}

func randomText() string {
	wordCount := 5 + rand.Intn(16)
	words := make([]string, 0, wordCount)
	for i := 0; i < wordCount; i++ {
		words = append(words, loremWords[rand.Intn(len(loremWords))])
	}
	return strings.Join(words, " ")
}

func (b *Bot) PostGroup() error {
	b.mu.Lock()
	b.seq++
	token := "#" + strconv.Itoa(b.id) + "." + strconv.Itoa(b.seq)
	b.pending[token] = time.Now()
	b.mu.Unlock()

	if err := b.c.SendGroup(token + " " + randomText()); err != nil {
		b.stats.postFailures.Add(1)
		return err
	}
	b.stats.groupPosts.Add(1)
	return nil
}

func (b *Bot) PostDirect(target string) error {
	if err := b.c.SendDirect(target, randomText()); err != nil {
		b.stats.postFailures.Add(1)
		return err
	}
	b.stats.directPosts.Add(1)
	return nil
}

// Run posts until stop closes or the deadline passes. Roughly one post in
// ten is a direct message to a random peer.
func (b *Bot) Run(until time.Time, minDelay, maxDelay time.Duration, peers []string, stop <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic", zap.Any("panic", r))
		}
	}()

	for time.Now().Before(until) {
		var err error
		if len(peers) > 1 && rand.Float32() < 0.1 {
			err = b.PostDirect(peers[rand.Intn(len(peers))])
		} else if b.inGroup.Load() {
			err = b.PostGroup()
		}
		if err != nil {
			b.logger.Debug("post failed", zap.Error(err))
			return
		}

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-stop:
			return
		case <-time.After(delay):
		}
	}
}

func (b *Bot) Close() {
	if b.c != nil {
		b.c.Close()
	}
}

func main() {
	serverAddr := flag.String("server", "localhost:12345", "Server address (host:port)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	groupSize := flag.Int("group-size", 5, "Members per group")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between posts")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between posts")
	debug := flag.Bool("debug", false, "Log individual bot failures")
	flag.Parse()

	level := "info"
	if *debug {
		level = "debug"
	}
	logger, err := server.NewLogger("development", level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *groupSize < 1 {
		*groupSize = 1
	}

	// Ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < time.Millisecond {
		staggerDelay = time.Millisecond
	}

	logger.Info("starting load test",
		zap.String("server", *serverAddr),
		zap.Int("clients", *numClients),
		zap.Int("group_size", *groupSize),
		zap.Duration("duration", *duration),
		zap.Duration("ramp_up", rampUpDuration),
		zap.Duration("min_delay", *minDelay),
		zap.Duration("max_delay", *maxDelay))

	runTag := strconv.FormatInt(time.Now().Unix()%100000, 36)
	stats := &Stats{}
	stop := make(chan struct{})
	var stopOnce sync.Once
	halt := func() { stopOnce.Do(func() { close(stop) }) }

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received, stopping test")
		halt()
	}()

	// Connect phase
	bots := make([]*Bot, *numClients)
	var connectWG sync.WaitGroup
	for i := range bots {
		bots[i] = NewBot(i, generateName(runTag, i), stats, logger)
		connectWG.Add(1)
		go func(b *Bot) {
			defer connectWG.Done()
			if err := b.Connect(*serverAddr); err != nil {
				b.logger.Debug("connect failed", zap.Error(err))
				return
			}
			stats.successfulBots.Add(1)
		}(bots[i])
		time.Sleep(staggerDelay)
	}
	connectWG.Wait()

	var online []*Bot
	var names []string
	for _, b := range bots {
		if b.c != nil {
			online = append(online, b)
			names = append(names, b.name)
		}
	}

	// Group phase: every group-size-th bot administers the bots after it.
	for i := 0; i < len(online); i += *groupSize {
		end := min(i+*groupSize, len(online))
		if err := online[i].CreateGroup(names[i+1 : end]); err != nil {
			online[i].logger.Debug("create group failed", zap.Error(err))
		}
	}

	// Stats reporter
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		start := time.Now()
		for {
			select {
			case <-ticker.C:
				posted, echoed, failed, avgUs := stats.snapshot()
				logger.Info("stats",
					zap.Int64("posted", posted),
					zap.Float64("rate", float64(posted)/time.Since(start).Seconds()),
					zap.Int64("echoed", echoed),
					zap.Int64("failed", failed),
					zap.Float64("avg_echo_ms", avgUs/1000),
					zap.Int("goroutines", runtime.NumGoroutine()))
			case <-stop:
				return
			}
		}
	}()

	until := time.Now().Add(*duration)
	var runWG sync.WaitGroup
	for _, b := range online {
		runWG.Add(1)
		go func(b *Bot) {
			defer runWG.Done()
			b.Run(until, *minDelay, *maxDelay, names, stop)
		}(b)
	}
	runWG.Wait()
	halt()

	// Let the last echoes arrive before closing.
	time.Sleep(500 * time.Millisecond)
	for _, b := range online {
		b.Close()
	}

	posted, echoed, failed, avgUs := stats.snapshot()
	logger.Info("final results",
		zap.Int("clients_attempted", *numClients),
		zap.Int64("clients_connected", stats.successfulBots.Load()),
		zap.Int64("connection_errors", stats.connectionErrors.Load()),
		zap.Int64("auth_rejected", stats.authRejected.Load()),
		zap.Int64("groups_created", stats.groupsCreated.Load()),
		zap.Int64("group_posts", stats.groupPosts.Load()),
		zap.Int64("direct_posts", stats.directPosts.Load()),
		zap.Int64("posted", posted),
		zap.Int64("echoed", echoed),
		zap.Int64("failed", failed),
		zap.Int64("pushes_received", stats.pushesReceived.Load()),
		zap.Int64("disconnections", stats.disconnections.Load()),
		zap.Float64("avg_echo_ms", avgUs/1000))

	if groupPosts := stats.groupPosts.Load(); groupPosts > 0 {
		logger.Info("echo rate", zap.Float64("percent", float64(echoed)/float64(groupPosts)*100))
	}
}
