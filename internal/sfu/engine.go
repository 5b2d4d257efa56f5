// Package sfu wraps pion/webrtc into the router/transport/producer/consumer
// primitives the media coordinator drives. Media is relayed, never
// transcoded: each inbound track is copied into a local RTP track that fans
// out to the other peer.
package sfu

import (
	"log"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
)

type Engine struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer

	mu      sync.Mutex
	routers map[string]*Router
}

// NewEngine builds the shared webrtc API with the fixed audio/video codec
// set and the bounded UDP port range for media traffic.
func NewEngine() (*Engine, error) {
	settingEngine := webrtc.SettingEngine{}
	minPort := envIntOrDefault("RTC_UDP_PORT_MIN", 50000)
	maxPort := envIntOrDefault("RTC_UDP_PORT_MAX", 50199)
	if minPort > 0 && maxPort >= minPort && maxPort <= 65535 {
		if err := settingEngine.SetEphemeralUDPPortRange(uint16(minPort), uint16(maxPort)); err != nil {
			log.Printf("failed setting UDP port range (%d-%d): %v", minPort, maxPort, err)
		}
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2,
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType: webrtc.MimeTypeVP8, ClockRate: 90000,
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, err
	}

	return &Engine{
		api: webrtc.NewAPI(
			webrtc.WithSettingEngine(settingEngine),
			webrtc.WithMediaEngine(mediaEngine),
		),
		iceServers: parseIceServers(),
		routers:    make(map[string]*Router),
	}, nil
}

// Router returns the router for the room, creating it if needed.
func (e *Engine) Router(roomID string) *Router {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.routers[roomID]
	if !ok {
		r = &Router{
			roomID:     roomID,
			engine:     e,
			transports: make(map[string]*Transport),
			producers:  make(map[string]*Producer),
		}
		e.routers[roomID] = r
	}
	return r
}

// LookupRouter returns the existing router for the room, or nil.
func (e *Engine) LookupRouter(roomID string) *Router {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.routers[roomID]
}

// CloseRouter tears down every transport and producer of the room.
func (e *Engine) CloseRouter(roomID string) {
	e.mu.Lock()
	r, ok := e.routers[roomID]
	delete(e.routers, roomID)
	e.mu.Unlock()
	if ok {
		r.close()
	}
}

// RouterCount reports the number of live routers (for /metrics).
func (e *Engine) RouterCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.routers)
}

func envIntOrDefault(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid int env %s=%q (using %d)", key, raw, fallback)
		return fallback
	}
	return parsed
}

func parseIceServers() []webrtc.ICEServer {
	raw := strings.TrimSpace(os.Getenv("RTC_ICE_SERVERS"))
	if raw == "" {
		return nil
	}
	username := strings.TrimSpace(os.Getenv("RTC_ICE_USERNAME"))
	credential := strings.TrimSpace(os.Getenv("RTC_ICE_CREDENTIAL"))

	entries := strings.Split(raw, ",")
	servers := make([]webrtc.ICEServer, 0, len(entries))
	for _, entry := range entries {
		url := strings.TrimSpace(entry)
		if url == "" {
			continue
		}
		server := webrtc.ICEServer{URLs: []string{url}}
		if username != "" {
			server.Username = username
		}
		if credential != "" {
			server.Credential = credential
		}
		servers = append(servers, server)
	}
	return servers
}
