package handlers

import (
	"net/http"
	"time"

	"github.com/agentoven/agentoven/playground/internal/compare"
	"github.com/agentoven/agentoven/playground/internal/playground"
	"github.com/agentoven/agentoven/playground/pkg/models"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 64 * 1024,
}

const writeWait = 10 * time.Second

// Message is one value pushed to a websocket subscriber.
type Message struct {
	Topic string      `json:"topic"`
	Data  interface{} `json:"data"`
}

type generationView struct {
	InputKeys []string                     `json:"input_keys"`
	Rows      []models.GenerationRow       `json:"rows,omitempty"`
	Messages  []models.MessageRow          `json:"messages,omitempty"`
	Dirty     map[string]bool              `json:"dirty"`
	Results   map[string]models.TestResult `json:"results,omitempty"`
}

type propertyView struct {
	VariantID string      `json:"variant_id"`
	Path      string      `json:"path"`
	Value     interface{} `json:"value"`
	Found     bool        `json:"found"`
}

// selectorFor builds the selector for a topic. Each topic reads a different
// slice of the state, so each subscriber is only woken for what it reads.
func selectorFor(r *http.Request) (string, playground.Selector[interface{}], bool) {
	q := r.URL.Query()
	topic := q.Get("topic")
	switch topic {
	case "", "variants":
		return "variants", func(v *compare.View) interface{} {
			return v.Collection(compare.CollectionVariants)
		}, true
	case "selection":
		return topic, func(v *compare.View) interface{} {
			return append([]string{}, v.CollectionIDs(compare.CollectionVariants)...)
		}, true
	case "revisions":
		return topic, func(v *compare.View) interface{} {
			return append([]string{}, v.CollectionIDs(compare.CollectionRevisions)...)
		}, true
	case "variant":
		id := q.Get("id")
		if id == "" {
			return "", nil, false
		}
		return topic, func(v *compare.View) interface{} {
			e, _ := v.Variant(id)
			return e
		}, true
	case "property":
		id, path := q.Get("id"), q.Get("path")
		if id == "" || path == "" {
			return "", nil, false
		}
		return topic, func(v *compare.View) interface{} {
			val, ok := v.Property(id, path)
			return propertyView{VariantID: id, Path: path, Value: val, Found: ok}
		}, true
	case "generation":
		return topic, func(v *compare.View) interface{} {
			st, ok := v.Generation().(*playground.State)
			if !ok {
				return nil
			}
			return generationView{
				InputKeys: st.InputKeys,
				Rows:      st.Rows,
				Messages:  st.Messages,
				Dirty:     st.Dirty,
				Results:   collectResults(st),
			}
		}, true
	default:
		return "", nil, false
	}
}

// Subscribe upgrades to a websocket and streams one topic. Query params:
// topic (variants, selection, revisions, variant, property, generation),
// id and path for the entity topics.
func (h *Handlers) Subscribe(w http.ResponseWriter, r *http.Request) {
	topic, sel, ok := selectorFor(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "unknown topic or missing id/path")
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer ws.Close()

	sub := playground.Subscribe(h.Store, sel)
	defer sub.Close()
	log.Info().Str("topic", topic).Str("remote", r.RemoteAddr).Msg("Subscriber connected")

	// Reads only detect the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			log.Info().Str("topic", topic).Msg("Subscriber disconnected")
			return
		case val, ok := <-sub.C:
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "store closed"),
					time.Now().Add(writeWait))
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(Message{Topic: topic, Data: val}); err != nil {
				log.Warn().Err(err).Str("topic", topic).Msg("Failed to write websocket message")
				return
			}
		}
	}
}
