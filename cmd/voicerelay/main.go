package main

import (
	"crypto/tls"
	"encoding/base64"
	"log/syslog"
	"net/http"
	"os"
	"strconv"
	"time"

	docopt "github.com/docopt/docopt-go"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	mozlog "github.com/mozilla-services/go-mozlogrus"
	log "github.com/sirupsen/logrus"
	lSyslog "github.com/sirupsen/logrus/hooks/syslog"

	"github.com/voicerelay/voicerelay/auth"
	"github.com/voicerelay/voicerelay/upstream"
	"github.com/voicerelay/voicerelay/wsrelay"
)

const usage = `Voicerelay Server

Relays browser websocket connections to the Azure OpenAI Realtime API
without exposing the API key to the browser.

Usage: voicerelay [-h | --help]

Environment:
 AZURE_ENDPOINT (required)                    https address of the Azure OpenAI resource
 AZURE_API_KEY (required)                     API key attached to upstream handshakes
 AZURE_DEPLOYMENT (default gpt-realtime)      realtime model deployment name
 API_VERSION (default 2024-10-01-preview)     realtime API version
 PORT (optional; defaults to 8001, 443 with TLS)
 TLS_CERTIFICATE (optional; no TLS if not provided) base64-encoded TLS certificate
 TLS_KEY                                      corresponding base64-encoded TLS key
 JWT_SECRET_A (optional)                      JWT secret; placeholder bearer auth if unset
 JWT_SECRET_B                                 alternate JWT secret
 AUDIENCE                                     JWT 'audience' claim
 MAX_CONNECTIONS_PER_USER (default 3)         concurrent sessions per identity
 MAX_REQUESTS_PER_MINUTE (default 60)         admissions per identity per window
 RATE_LIMIT_WINDOW (default 60)               admission window, seconds
 STALE_SESSION_MAX_AGE (default 3600)         janitor force-close age, seconds
 JANITOR_INTERVAL (default 300)               janitor sweep interval, seconds
 SYSLOG_ADDR                                  address to which to send syslog output

Options:
-h --help       Show help`

func main() {
	_, _ = docopt.Parse(usage, nil, true, "voicerelay", false)

	logger := log.New()

	if env := os.Getenv("ENV"); env == "production" {
		// add mozlog formatter
		logger.Formatter = &mozlog.MozLogFormatter{
			LoggerName: "voicerelay",
		}

		// add syslog hook if addr is provided
		syslogAddr := os.Getenv("SYSLOG_ADDR")
		if syslogAddr != "" {
			hook, err := lSyslog.NewSyslogHook("udp", syslogAddr, syslog.LOG_DEBUG, "voicerelay")
			if err != nil {
				panic(err)
			}
			logger.Hooks.Add(hook)
		}
	}

	connector, err := upstream.New(upstream.Config{
		Endpoint:   os.Getenv("AZURE_ENDPOINT"),
		APIKey:     os.Getenv("AZURE_API_KEY"),
		Deployment: os.Getenv("AZURE_DEPLOYMENT"),
		APIVersion: os.Getenv("API_VERSION"),
	})
	if err != nil {
		logger.Error(err.Error())
		panic("azure configuration incomplete")
	}
	logger.WithFields(log.Fields{
		"upstream": connector.Addr(),
	}).Info("upstream configured")

	// JWT auth when secrets are provided, otherwise the placeholder
	// bearer authenticator
	var authenticator auth.Authenticator = auth.Bearer{}
	if secretA := os.Getenv("JWT_SECRET_A"); secretA != "" {
		secretB := os.Getenv("JWT_SECRET_B")
		if secretB == "" {
			secretB = secretA
		}
		authenticator, err = auth.NewJWT([]byte(secretA), []byte(secretB), os.Getenv("AUDIENCE"))
		if err != nil {
			panic(err)
		}
	} else {
		logger.Warn("JWT_SECRET_A not set; using placeholder bearer authentication")
	}

	// Load TLS certificates
	useTLS := true
	tlsKeyEnc := os.Getenv("TLS_KEY")
	tlsCertEnc := os.Getenv("TLS_CERTIFICATE")

	tlsKey, _ := base64.StdEncoding.DecodeString(tlsKeyEnc)
	tlsCert, _ := base64.StdEncoding.DecodeString(tlsCertEnc)
	cert, err := tls.X509KeyPair(tlsCert, tlsKey)
	if err != nil {
		logger.Error(err.Error())
		useTLS = false
	}

	// load port
	port := os.Getenv("PORT")
	if port == "" {
		if useTLS {
			port = "443"
		} else {
			port = "8001"
		}
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	relay, err := wsrelay.New(wsrelay.Config{
		Upgrader:            upgrader,
		Logger:              logger,
		Authenticator:       authenticator,
		Upstream:            connector,
		MaxConnsPerIdentity: envInt("MAX_CONNECTIONS_PER_USER", 0),
		MaxPerWindow:        envInt("MAX_REQUESTS_PER_MINUTE", 0),
		Window:              envSeconds("RATE_LIMIT_WINDOW", 0),
		MaxSessionAge:       envSeconds("STALE_SESSION_MAX_AGE", 0),
		JanitorInterval:     envSeconds("JANITOR_INTERVAL", 0),
	})
	if err != nil {
		panic(err)
	}
	defer relay.Close()

	router := mux.NewRouter()
	router.Handle("/realtime", relay)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: ":" + port, Handler: router}
	defer func() {
		_ = server.Close()
	}()
	logger.WithFields(log.Fields{
		"server-addr": server.Addr,
	}).Info("starting server")

	// create tls config and serve
	if useTLS {
		config := &tls.Config{
			Certificates: []tls.Certificate{cert},
		}
		listener, err := tls.Listen("tcp", ":"+port, config)
		if err != nil {
			panic(err)
		}
		_ = server.Serve(listener)
	} else {
		err = server.ListenAndServe()
		if err != nil {
			panic(err)
		}
	}
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		panic(name + " must be an integer")
	}
	return n
}

func envSeconds(name string, def time.Duration) time.Duration {
	if n := envInt(name, 0); n != 0 {
		return time.Duration(n) * time.Second
	}
	return def
}
