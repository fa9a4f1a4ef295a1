package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"bertd/config"
	"bertd/instrument"
	"bertd/link"
	"bertd/scan"
)

var cfgFile = flag.String("f", "", "YAML configuration `file`")
var connTo = flag.String("c", "", "connection string: serial device path or tcp://host:port (overrides config)")
var httpServe = flag.String("s", "", "HTTP API bind address, [host]:port (overrides config)")
var verbose = flag.Bool("v", false, "verbose logging")

// Set via go build -ldflags "-X main.buildVersion=$(git describe --dirty)"
var buildVersion = "unspecified"

var sess *instrument.Session

func versionInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Version string `json:"version"`
	}{buildVersion})
}

func getStatus(w http.ResponseWriter, r *http.Request) {
	temp, locked, ok := sess.Status()
	id := sess.Identity()
	writeJSON(w, http.StatusOK, struct {
		Module     byte   `json:"module"`
		Firmware   string `json:"firmware"`
		ExtVersion uint16 `json:"ext_version"`
		Temp       byte   `json:"temp"`
		Locked     bool   `json:"locked"`
		MonitorOK  bool   `json:"monitor_ok"`
	}{id.Module, fmt.Sprintf("%d.%d", id.FwMajor, id.FwMinor),
		sess.ExtVersion, temp, locked, ok})
}

func getRegister(w http.ResponseWriter, r *http.Request) {
	addr, err := strconv.ParseUint(mux.Vars(r)["addr"], 16, 16)
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	val, err := sess.Regs.Get16(uint16(addr))
	if err != nil {
		httpError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Addr  string `json:"addr"`
		Value string `json:"value"`
	}{fmt.Sprintf("0x%04x", addr), fmt.Sprintf("0x%02x", val)})
}

func setRegister(w http.ResponseWriter, r *http.Request) {
	addr, err := strconv.ParseUint(mux.Vars(r)["addr"], 16, 16)
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	var body struct {
		Value byte `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	if err := sess.Regs.Set16(uint16(addr), body.Value); err != nil {
		httpError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, "OK")
}

func runScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind      string `json:"kind"`
		Lane      int    `json:"lane"`
		StepX     int    `json:"step_x"`
		StepY     int    `json:"step_y"`
		OffsetRow int    `json:"offset_row"`
		Depth     int    `json:"depth"`
		Passes    int    `json:"passes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}

	cfg := scan.Config{
		Kind: scan.Eye, Lane: req.Lane,
		StepX: req.StepX, StepY: req.StepY,
		OffsetRow: req.OffsetRow, Depth: req.Depth,
	}
	if req.Kind == "bathtub" {
		cfg.Kind = scan.Bathtub
	}
	passes := req.Passes
	if passes < 1 {
		passes = 1
	}

	var surf *scan.Surface
	var err error
	for i := 0; i < passes; i++ {
		surf, err = sess.Scan(r.Context(), cfg, nil)
		if err != nil {
			break
		}
	}
	if err != nil {
		code := http.StatusBadGateway
		if errors.Is(err, link.ErrCancelled) {
			code = http.StatusConflict
		}
		httpError(w, code, err)
		return
	}
	writeJSON(w, http.StatusOK, surf)
}

func cancelScan(w http.ResponseWriter, r *http.Request) {
	sess.CancelScan()
	writeJSON(w, http.StatusOK, "OK")
}

func loadHex(w http.ResponseWriter, r *http.Request) {
	n, err := sess.LoadHex(r.Body)
	if err != nil {
		httpError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Bytes int `json:"bytes"`
	}{n})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(code)
	e := json.NewEncoder(w)
	e.SetIndent("", "    ")
	e.Encode(v)
}

func httpError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.WriteHeader(code)
	w.Write([]byte(err.Error() + "\n"))
}

func main() {
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	cfg := config.Default()
	if *cfgFile != "" {
		var err error
		cfg, err = config.Load(*cfgFile)
		if err != nil {
			log.Fatal(err)
		}
	}
	if *connTo != "" {
		cfg.Port = *connTo
	}
	if *httpServe != "" {
		cfg.HTTP = *httpServe
	}
	if cfg.Port == "" {
		log.Fatal("Need connection string in -c option or config file")
	}

	var err error
	sess, err = instrument.Connect(cfg)
	if err != nil {
		log.Fatal(err)
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-done
		sess.Close()
		os.Exit(0)
	}()

	if cfg.HTTP == "" {
		select {}
	}

	router := mux.NewRouter()
	router.HandleFunc("/version", versionInfo).Methods("GET")
	router.HandleFunc("/status", getStatus).Methods("GET")
	router.HandleFunc("/register/{addr}", getRegister).Methods("GET")
	router.HandleFunc("/register/{addr}", setRegister).Methods("POST")
	router.HandleFunc("/scan", runScan).Methods("POST")
	router.HandleFunc("/scan/cancel", cancelScan).Methods("POST")
	router.HandleFunc("/load", loadHex).Methods("POST")

	// accept :[portnum] as well as [portnum]
	if i, err := strconv.Atoi(cfg.HTTP); err == nil {
		cfg.HTTP = fmt.Sprintf(":%d", i)
	}

	h := &http.Server{Addr: cfg.HTTP, Handler: router}
	log.Infof("bertd %v listening on %v", buildVersion, cfg.HTTP)
	log.Error(h.ListenAndServe())
}
