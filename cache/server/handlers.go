package server

import (
	"encoding/json"
	"io/ioutil"
	"net/http"
	"strconv"

	jerrors "github.com/juju/errors"
	"github.com/pingcap-incubator/tinytree/cache/storage"
	"github.com/pingcap-incubator/tinytree/cache/treecache"
	"github.com/pingcap/errcode"
	"github.com/pingcap/log"
	"github.com/unrolled/render"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const errorCodeHeader = "TinyTree-Error-Code"

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// errorResp writes err with the HTTP status its error code asks for.
func errorResp(rd *render.Render, w http.ResponseWriter, err error) {
	switch {
	case jerrors.IsNotFound(err):
		rd.JSON(w, http.StatusNotFound, errorBody{Code: string(errcode.NotFoundCode.CodeStr()), Error: err.Error()})
		return
	case jerrors.IsNotValid(err):
		rd.JSON(w, http.StatusBadRequest, errorBody{Code: string(errcode.InvalidInputCode.CodeStr()), Error: err.Error()})
		return
	}
	if ec := codeOf(err); ec != nil {
		code := string(ec.Code().CodeStr())
		w.Header().Set(errorCodeHeader, code)
		rd.JSON(w, ec.Code().HTTPCode(), errorBody{Code: code, Error: err.Error()})
		return
	}
	log.Warn("status api internal error", zap.Error(err))
	rd.JSON(w, http.StatusInternalServerError, errorBody{Code: string(errcode.InternalCode.CodeStr()), Error: err.Error()})
}

// codeOf returns the outermost error code in the cause chain of err.
func codeOf(err error) errcode.ErrorCode {
	type causer interface {
		Cause() error
	}
	for err != nil {
		if ec, ok := err.(errcode.ErrorCode); ok {
			return ec
		}
		c, ok := err.(causer)
		if !ok {
			return nil
		}
		err = c.Cause()
	}
	return nil
}

func fqnParam(r *http.Request) (storage.Fqn, error) {
	s := r.URL.Query().Get("fqn")
	if s == "" {
		return storage.Fqn{}, jerrors.NotValidf("empty fqn parameter")
	}
	return storage.FromString(s), nil
}

type statusHandler struct {
	cache *treecache.Cache
	rd    *render.Render
}

// Status is the summary /status answers with.
type Status struct {
	Address      string `json:"address"`
	Cluster      string `json:"cluster"`
	Scheme       string `json:"scheme"`
	Mode         string `json:"mode"`
	Nodes        int    `json:"nodes"`
	Attributes   int    `json:"attributes"`
	Transactions int    `json:"transactions"`
	Locks        int    `json:"locks"`
}

func newStatusHandler(cache *treecache.Cache, rd *render.Render) *statusHandler {
	return &statusHandler{cache: cache, rd: rd}
}

func (h *statusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.cache.Config()
	h.rd.JSON(w, http.StatusOK, Status{
		Address:      h.cache.Address(),
		Cluster:      cfg.ClusterName,
		Scheme:       cfg.NodeLockingScheme,
		Mode:         h.cache.Mode().String(),
		Nodes:        h.cache.NumNodes(),
		Attributes:   h.cache.NumAttributes(),
		Transactions: h.cache.NumTransactions(),
		Locks:        h.cache.NumLocks(),
	})
}

type chainHandler struct {
	cache *treecache.Cache
	rd    *render.Render
}

func newChainHandler(cache *treecache.Cache, rd *render.Render) *chainHandler {
	return &chainHandler{cache: cache, rd: rd}
}

func (h *chainHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	kinds := h.cache.Chain().Kinds()
	names := make([]string, 0, len(kinds))
	for _, k := range kinds {
		names = append(names, k.String())
	}
	h.rd.JSON(w, http.StatusOK, names)
}

type statsHandler struct {
	cache *treecache.Cache
	rd    *render.Render
}

func newStatsHandler(cache *treecache.Cache, rd *render.Render) *statsHandler {
	return &statsHandler{cache: cache, rd: rd}
}

func (h *statsHandler) Get(w http.ResponseWriter, r *http.Request) {
	stats, ok := h.cache.Stats()
	if !ok {
		errorResp(h.rd, w, jerrors.NotFoundf("statistics of %s", h.cache.Address()))
		return
	}
	h.rd.JSON(w, http.StatusOK, stats)
}

func (h *statsHandler) Reset(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.cache.Stats(); !ok {
		errorResp(h.rd, w, jerrors.NotFoundf("statistics of %s", h.cache.Address()))
		return
	}
	h.cache.ResetStatistics()
	h.rd.JSON(w, http.StatusOK, nil)
}

type nodeHandler struct {
	cache *treecache.Cache
	rd    *render.Render
}

// NodeInfo is the JSON form of one node.
type NodeInfo struct {
	Fqn      string                 `json:"fqn"`
	Data     map[string]interface{} `json:"data"`
	Children []string               `json:"children,omitempty"`
}

func newNodeHandler(cache *treecache.Cache, rd *render.Render) *nodeHandler {
	return &nodeHandler{cache: cache, rd: rd}
}

func (h *nodeHandler) Get(w http.ResponseWriter, r *http.Request) {
	fqn, err := fqnParam(r)
	if err != nil {
		errorResp(h.rd, w, err)
		return
	}
	nd, err := h.cache.GetNode(nil, fqn)
	if err != nil {
		errorResp(h.rd, w, err)
		return
	}
	if nd == nil {
		errorResp(h.rd, w, jerrors.NotFoundf("node %s", fqn))
		return
	}
	children, err := h.cache.GetChildrenNames(nil, fqn)
	if err != nil {
		errorResp(h.rd, w, err)
		return
	}
	h.rd.JSON(w, http.StatusOK, NodeInfo{Fqn: fqn.String(), Data: nd.Data, Children: children})
}

func (h *nodeHandler) Children(w http.ResponseWriter, r *http.Request) {
	fqn, err := fqnParam(r)
	if err != nil {
		errorResp(h.rd, w, err)
		return
	}
	ok, err := h.cache.Exists(nil, fqn)
	if err != nil {
		errorResp(h.rd, w, err)
		return
	}
	if !ok {
		errorResp(h.rd, w, jerrors.NotFoundf("node %s", fqn))
		return
	}
	children, err := h.cache.GetChildrenNames(nil, fqn)
	if err != nil {
		errorResp(h.rd, w, err)
		return
	}
	if children == nil {
		children = []string{}
	}
	h.rd.JSON(w, http.StatusOK, children)
}

func (h *nodeHandler) Export(w http.ResponseWriter, r *http.Request) {
	fqn, err := fqnParam(r)
	if err != nil {
		errorResp(h.rd, w, err)
		return
	}
	data, err := h.cache.Export(r.Context(), fqn)
	if err != nil {
		errorResp(h.rd, w, err)
		return
	}
	if len(data) == 0 {
		errorResp(h.rd, w, jerrors.NotFoundf("node %s", fqn))
		return
	}
	out := make([]NodeInfo, 0, len(data))
	for _, nd := range data {
		out = append(out, NodeInfo{Fqn: nd.Fqn.String(), Data: nd.Data})
	}
	h.rd.JSON(w, http.StatusOK, out)
}

type adminHandler struct {
	cache *treecache.Cache
	rd    *render.Render
}

func newAdminHandler(cache *treecache.Cache, rd *render.Render) *adminHandler {
	return &adminHandler{cache: cache, rd: rd}
}

// Evict answers with the number of evicted nodes.
func (h *adminHandler) Evict(w http.ResponseWriter, r *http.Request) {
	fqn, err := fqnParam(r)
	if err != nil {
		errorResp(h.rd, w, err)
		return
	}
	recursive := false
	if v := r.URL.Query().Get("recursive"); v != "" {
		recursive, err = strconv.ParseBool(v)
		if err != nil {
			errorResp(h.rd, w, errcode.NewInvalidInputErr(err))
			return
		}
	}
	n, err := h.cache.Evict(nil, fqn, recursive)
	if err != nil {
		errorResp(h.rd, w, err)
		return
	}
	h.rd.JSON(w, http.StatusOK, n)
}

// GC answers with the number of version chains collected.
func (h *adminHandler) GC(w http.ResponseWriter, r *http.Request) {
	h.rd.JSON(w, http.StatusOK, h.cache.GC())
}

// SetLogLevel takes a JSON string such as "debug".
func (h *adminHandler) SetLogLevel(w http.ResponseWriter, r *http.Request) {
	data, err := ioutil.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		h.rd.JSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	var level string
	if err = json.Unmarshal(data, &level); err != nil {
		errorResp(h.rd, w, errcode.NewInvalidInputErr(err))
		return
	}
	var l zapcore.Level
	if err = l.UnmarshalText([]byte(level)); err != nil {
		errorResp(h.rd, w, errcode.NewInvalidInputErr(err))
		return
	}
	log.SetLevel(l)
	log.Info("log level changed", zap.Stringer("level", l))
	h.rd.JSON(w, http.StatusOK, nil)
}
