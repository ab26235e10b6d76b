package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/jward/understory"
)

// Streaming message types sent during analyze-project.
const (
	MessageFile    = "file"
	MessageSummary = "summary"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = (wsPongWait * 9) / 10

	// streamBuffer decouples workers from a slow socket.
	streamBuffer = 64
	topFiles     = 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// ProjectSummary is the last message of a streamed project run. Per-file
// results were already sent as file messages.
type ProjectSummary struct {
	Root         string                      `json:"baseDir"`
	Status       understory.RunStatus        `json:"status"`
	ConfigErrors []understory.ConfigError    `json:"configErrors,omitempty"`
	Error        *understory.SerializedError `json:"error,omitempty"`
	Stats        understory.RunStats         `json:"stats"`
	Summary      *understory.Summary         `json:"summary"`
}

func newProjectSummary(res *understory.RunResult) ProjectSummary {
	return ProjectSummary{
		Root:         res.Root,
		Status:       res.Status,
		ConfigErrors: res.ConfigErrors,
		Error:        res.Error,
		Stats:        res.Stats,
		Summary:      res.Summary(topFiles),
	}
}

// session is one websocket connection. Every outbound message goes through
// out so that a single goroutine writes to the socket.
type session struct {
	server *Server
	conn   *websocket.Conn
	log    *logrus.Entry
	ctx    context.Context
	cancel context.CancelFunc
	out    chan Response
	runs   sync.WaitGroup
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		return
	}
	if !s.register(conn) {
		conn.Close()
		return
	}
	defer s.unregister(conn)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess := &session{
		server: s,
		conn:   conn,
		log:    s.log.WithField("remote", conn.RemoteAddr().String()),
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan Response, 32),
	}

	if err := conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	writerDone := make(chan struct{})
	go sess.writeLoop(writerDone)

	sess.log.Debug("session opened")
	sess.readLoop()
	cancel()
	sess.runs.Wait()
	<-writerDone
	sess.log.Debug("session closed")
}

// readLoop handles inbound requests until the socket fails. Project runs
// proceed in the background so cancel-analysis can arrive meanwhile.
func (sess *session) readLoop() {
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			sess.push(failure("", fmt.Errorf("bridge: decode request: %w", err)))
			continue
		}
		if req.Type == KindAnalyzeProject {
			sess.runs.Add(1)
			go sess.streamProject(req)
			continue
		}
		sess.push(sess.server.dispatcher.Dispatch(sess.ctx, req))
	}
}

func (sess *session) writeLoop(done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(wsPingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-sess.ctx.Done():
			return
		case msg := <-sess.out:
			if err := sess.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				sess.cancel()
				return
			}
			if err := sess.conn.WriteJSON(msg); err != nil {
				sess.log.WithError(err).Debug("write failed")
				sess.cancel()
				return
			}
		case <-ticker.C:
			if err := sess.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				sess.cancel()
				return
			}
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sess.cancel()
				return
			}
		}
	}
}

// push queues msg, dropping it once the session is gone.
func (sess *session) push(msg Response) {
	select {
	case sess.out <- msg:
	case <-sess.ctx.Done():
	}
}

// streamProject runs a project analysis, sending one file message per
// result in completion order and a summary message at the end.
func (sess *session) streamProject(req Request) {
	defer sess.runs.Done()

	var in understory.ProjectInput
	if err := decode(KindAnalyzeProject, req.Data, &in); err != nil {
		sess.push(failure(req.ID, err))
		return
	}

	stream := make(chan understory.FileResult, streamBuffer)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for res := range stream {
			sess.push(Response{ID: req.ID, Type: MessageFile, Result: res})
		}
	}()

	res, err := sess.server.engine.AnalyzeProject(sess.ctx, in, stream)
	close(stream)
	<-forwarded
	if res == nil {
		sess.push(failure(req.ID, err))
		return
	}
	sess.push(Response{ID: req.ID, Type: MessageSummary, Result: newProjectSummary(res)})
}
