package emulator

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/tbdevice/core/logger"
	"github.com/relabs-tech/tbdevice/iot/ota/checksum"
	"github.com/relabs-tech/tbdevice/iot/transport"
)

// maxImageSize limits firmware uploads
const maxImageSize = 64 << 20

// MessagePublisher delivers messages to the device
type MessagePublisher interface {
	Publish(messages []transport.Message)
}

// API is the RESTful admin interface of the cloud emulator.
type API struct {
	cloud     *Cloud
	publisher MessagePublisher
	log       *logrus.Entry
}

// APIBuilder is a builder helper for the admin API
type APIBuilder struct {
	// Cloud is mandatory
	Cloud *Cloud
	// Publisher delivers pushes and server-side RPC calls, usually the Broker. This is
	// mandatory.
	Publisher MessagePublisher
	// Router is a mux router. This is mandatory.
	Router *mux.Router
}

// NewAPI realizes the actual API and adds its routes to the router
func NewAPI(b *APIBuilder) *API {
	if b.Cloud == nil {
		panic("Cloud is missing")
	}
	if b.Publisher == nil {
		panic("Publisher is missing")
	}
	if b.Router == nil {
		panic("Router is missing")
	}
	a := &API{
		cloud:     b.Cloud,
		publisher: b.Publisher,
		log:       logger.ForComponent("emulator api"),
	}
	a.handleRoutes(b.Router)
	return a
}

func (a *API) handleRoutes(router *mux.Router) {
	a.log.Debugln("handle route /firmware/{title}/{version} PUT")
	a.log.Debugln("handle route /attributes/shared GET,PUT")
	a.log.Debugln("handle route /attributes/client GET")
	a.log.Debugln("handle route /telemetry GET")
	a.log.Debugln("handle route /claims GET")
	a.log.Debugln("handle route /rpc/{method} POST")
	a.log.Debugln("handle route /rpc/calls/{id} GET")

	router.HandleFunc("/firmware/{title}/{version}", func(w http.ResponseWriter, r *http.Request) {
		params := mux.Vars(r)
		algorithm := checksum.SHA256
		if query := r.URL.Query().Get("algorithm"); len(query) > 0 {
			var err error
			if algorithm, err = checksum.ParseAlgorithm(query); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		image, err := io.ReadAll(io.LimitReader(r.Body, maxImageSize+1))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(image) > maxImageSize {
			http.Error(w, "firmware image too large", http.StatusRequestEntityTooLarge)
			return
		}
		messages, err := a.cloud.SetFirmware(params["title"], params["version"], algorithm, image)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		a.publisher.Publish(messages)
		writeJSON(w, http.StatusOK, json.RawMessage(messages[0].Payload))
	}).Methods(http.MethodPut)

	router.HandleFunc("/attributes/shared", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.cloud.SharedAttributes())
	}).Methods(http.MethodGet)

	router.HandleFunc("/attributes/shared", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !json.Valid(body) {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		messages, err := a.cloud.SetShared(json.RawMessage(body))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		a.publisher.Publish(messages)
		writeJSON(w, http.StatusOK, a.cloud.SharedAttributes())
	}).Methods(http.MethodPut)

	router.HandleFunc("/attributes/client", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.cloud.ClientAttributes())
	}).Methods(http.MethodGet)

	router.Handle("/telemetry", handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.cloud.Telemetry())
	}))).Methods(http.MethodGet)

	router.HandleFunc("/claims", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.cloud.Claims())
	}).Methods(http.MethodGet)

	router.HandleFunc("/rpc/{method}", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(body) > 0 && !json.Valid(body) {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		call, messages, err := a.cloud.Call(mux.Vars(r)["method"], body)
		if errors.Is(err, ErrMissingMethod) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		a.publisher.Publish(messages)
		writeJSON(w, http.StatusAccepted, call)
	}).Methods(http.MethodPost)

	router.HandleFunc("/rpc/calls/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
		if err != nil {
			http.Error(w, "invalid call id", http.StatusBadRequest)
			return
		}
		call, ok := a.cloud.CallResult(uint32(id))
		if !ok {
			http.Error(w, "no such call", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, call)
	}).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	jsonData, err := json.MarshalIndent(body, "", " ")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(jsonData)
}
