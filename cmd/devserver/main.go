// Development backend for vtrealtime clients: realtime WebSocket protocol plus
// the speech, vision and session HTTP endpoints.
// Auth: HS256 with DEVSERVER_JWT_SECRET, OIDC with OIDC_ISSUER, otherwise any token.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/yw0nam/Open-LLM-VTuber-Web-sub000/internal/devserver"
)

func main() {
	_ = godotenv.Load()

	addr := flag.String("addr", env("DEVSERVER_ADDR", ":8080"), "listen address")
	ping := flag.Duration("ping", 20*time.Second, "application ping interval (0 disables)")
	tokenDelay := flag.Duration("token-delay", 40*time.Millisecond, "delay between streamed tokens")
	level := flag.String("log-level", env("LOG_LEVEL", "info"), "log level")
	flag.Parse()

	log := devserver.NewLogger(*level)
	opts := devserver.Options{
		PingInterval: *ping,
		TokenDelay:   *tokenDelay,
		Logger:       log,
	}

	switch {
	case os.Getenv("DEVSERVER_JWT_SECRET") != "":
		opts.Verifier = &devserver.HMACVerifier{
			Secret:   []byte(os.Getenv("DEVSERVER_JWT_SECRET")),
			Issuer:   os.Getenv("DEVSERVER_JWT_ISSUER"),
			Audience: os.Getenv("DEVSERVER_JWT_AUDIENCE"),
		}
		log.Info("HS256 token verification enabled")
	case os.Getenv("OIDC_ISSUER") != "":
		iss, aud := os.Getenv("OIDC_ISSUER"), must("OIDC_AUDIENCE")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		v, err := devserver.NewOIDCVerifier(ctx, iss, aud, env("OIDC_TOKEN_TYPE", "access"))
		cancel()
		if err != nil {
			log.Fatalf("oidc: %v", err)
		}
		defer v.Close()
		opts.Verifier = v
		log.WithField("issuer", iss).Info("OIDC token verification enabled")
	default:
		log.Info("token verification disabled")
	}

	srv := devserver.New(opts)
	go func() {
		if err := srv.Start(*addr); err != nil {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("shutdown")
	}
}

func must(k string) string {
	v := os.Getenv(k)
	if v == "" {
		devserver.NewLogger("error").Fatalf("missing env %s", k)
	}
	return v
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
