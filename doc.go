// Package vtrealtime is a headless Go client for a realtime avatar backend.
//
// It keeps one WebSocket connection to the backend, authorizes it with a bearer
// token, answers heartbeats and reconnects with exponential backoff. Inbound
// messages are sanitized and validated before they are turned into typed
// events. Synthesized speech arrives as base64 WAV chunks; each chunk is decoded
// into a lip-sync volume curve and played in order by a single controller that
// drives a Presenter (captions, expressions, mouth openness).
//
// Key pieces:
//   - Connection: socket lifecycle, authorize handshake, outbound buffering
//   - Validator and Adapter: sanitizing and typing inbound messages
//   - DecodeBase64WAV, ExtractLipSync: WAV parsing and per-frame RMS volumes
//   - PlaybackQueue and Controller: ordered playback with interruption
//   - ServicesClient and HistoryCache: HTTP collaborators with local fallback
//   - Session: wires all of the above together
//
// Basic Usage:
//
//	cfg, err := vtrealtime.LoadConfigFromEnv()
//	if err != nil {
//		log.Fatal(err)
//	}
//	sess, err := vtrealtime.NewSession(cfg, nil, &vtrealtime.RecordingPresenter{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer sess.Close()
//	if err := sess.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	_ = sess.SendChat(ctx, "hello")
//
// Logging goes through Logger, a thin event-style wrapper over zap whose level
// is read from VTREALTIME_LOG_LEVEL.
package vtrealtime
