// Package airspacetest provides an in-process fake of the airspace network
// for tests. It verifies request signatures the way the real network does and
// records every advisory it accepts.
package airspacetest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"

	geojson "github.com/paulmach/go.geojson"

	"github.com/unklstewy/airsync/pkg/airspace"
	"github.com/unklstewy/airsync/pkg/signer"
)

// Advisory is one accepted publish.
type Advisory struct {
	ID         string
	Headers    signer.Headers
	Collection *geojson.FeatureCollection
}

// BeaconQuery is one received beacon query.
type BeaconQuery struct {
	Latitude  float64
	Longitude float64
	Radius    float64
}

// BeaconFunc answers a beacon query with records, or a non-200 status.
type BeaconFunc func(q BeaconQuery) ([]airspace.BeaconRecord, int)

// PublishFunc decides the status code for an advisory publish.
type PublishFunc func(a Advisory) int

// Network is a fake airspace network backed by httptest.Server.
type Network struct {
	*httptest.Server

	secret string

	mu         sync.Mutex
	advisories []Advisory
	queries    []BeaconQuery
	rejected   int
	beacons    BeaconFunc
	publish    PublishFunc
}

// NewNetwork starts a fake network accepting requests signed with secret.
// Callers must Close it.
func NewNetwork(secret string) *Network {
	n := &Network{secret: secret}
	mux := http.NewServeMux()
	mux.HandleFunc(airspace.AdvisoriesPath, n.handleAdvisory)
	mux.HandleFunc(airspace.BeaconsPath, n.handleBeacons)
	n.Server = httptest.NewServer(mux)
	return n
}

// SetBeacons installs the beacon responder. The default returns no traffic.
func (n *Network) SetBeacons(fn BeaconFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.beacons = fn
}

// SetPublish installs the publish responder. The default accepts everything.
func (n *Network) SetPublish(fn PublishFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.publish = fn
}

// Advisories returns every accepted publish in arrival order.
func (n *Network) Advisories() []Advisory {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Advisory(nil), n.advisories...)
}

// Queries returns every beacon query in arrival order.
func (n *Network) Queries() []BeaconQuery {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]BeaconQuery(nil), n.queries...)
}

// Rejected returns how many requests failed signature verification.
func (n *Network) Rejected() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rejected
}

func (n *Network) verify(w http.ResponseWriter, r *http.Request, body []byte) (signer.Headers, bool) {
	h := signer.FromRequest(r)
	if err := signer.Verify(n.secret, r.Method, r.URL.RequestURI(), body, h); err != nil {
		n.mu.Lock()
		n.rejected++
		n.mu.Unlock()
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return h, false
	}
	return h, true
}

func (n *Network) handleAdvisory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h, ok := n.verify(w, r, body)
	if !ok {
		return
	}

	fc, err := geojson.UnmarshalFeatureCollection(body)
	if err != nil || len(fc.Features) == 0 {
		http.Error(w, "invalid feature collection", http.StatusBadRequest)
		return
	}
	id, _ := fc.Features[0].PropertyString("id")
	a := Advisory{ID: id, Headers: h, Collection: fc}

	n.mu.Lock()
	publish := n.publish
	n.mu.Unlock()

	status := http.StatusOK
	if publish != nil {
		status = publish(a)
	}
	if status != http.StatusOK {
		http.Error(w, "publish rejected", status)
		return
	}

	n.mu.Lock()
	n.advisories = append(n.advisories, a)
	n.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"id": "net-" + id})
}

func (n *Network) handleBeacons(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := n.verify(w, r, nil); !ok {
		return
	}

	q := BeaconQuery{}
	q.Latitude, _ = strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	q.Longitude, _ = strconv.ParseFloat(r.URL.Query().Get("lon"), 64)
	q.Radius, _ = strconv.ParseFloat(r.URL.Query().Get("radius"), 64)

	n.mu.Lock()
	n.queries = append(n.queries, q)
	beacons := n.beacons
	n.mu.Unlock()

	records := []airspace.BeaconRecord{}
	status := http.StatusOK
	if beacons != nil {
		records, status = beacons(q)
	}
	if status != http.StatusOK {
		http.Error(w, http.StatusText(status), status)
		return
	}
	if records == nil {
		records = []airspace.BeaconRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}
