package status

import (
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"portmuxd/internal/api"
	"portmuxd/internal/events"
)

// Source supplies the daemon state exposed by the status API.
type Source interface {
	Status() api.StatusResult
	Bindings() []api.BindingInfo
}

const eventRingSize = 64

// Server exposes a read-only HTTP API on the namespace's status socket:
// GET /v1/status and GET /v1/bindings. It also tails the event bus and
// reports the most recent daemon events.
type Server struct {
	src Source
	srv *http.Server

	mu     sync.Mutex
	recent []string
}

// NewServer wires the routes and subscribes to bus topics worth surfacing.
// bus may be nil.
func NewServer(src Source, bus *events.Bus) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{src: src}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	r.GET("/v1/status", func(c *gin.Context) {
		st := s.src.Status()
		st.RecentEvents = s.recentEvents()
		c.JSON(http.StatusOK, st)
	})
	r.GET("/v1/bindings", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"bindings": s.src.Bindings()})
	})

	s.srv = &http.Server{Handler: r}

	if bus != nil {
		for _, topic := range []events.Topic{
			events.TopicBindingRegistered,
			events.TopicListenerStarted,
			events.TopicAppStarting,
			events.TopicAppReady,
			events.TopicRequestQueued,
			events.TopicRequestExpired,
		} {
			go s.tail(topic, bus.Subscribe(topic, 16))
		}
	}
	return s
}

func (s *Server) tail(topic events.Topic, ch <-chan events.Event) {
	for evt := range ch {
		s.mu.Lock()
		line := fmt.Sprintf("%s %s %+v", evt.Time.Format("15:04:05"), topic, evt.Payload)
		s.recent = append(s.recent, line)
		if len(s.recent) > eventRingSize {
			s.recent = s.recent[len(s.recent)-eventRingSize:]
		}
		s.mu.Unlock()
	}
}

func (s *Server) recentEvents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.recent...)
}

// Serve runs the API on ln until Close.
func (s *Server) Serve(ln net.Listener) {
	_ = s.srv.Serve(ln)
}

// Close shuts the status server down.
func (s *Server) Close() {
	_ = s.srv.Close()
}
