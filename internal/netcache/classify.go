package netcache

import (
	"net/http"
	"strings"
)

// Class is the routing class of a request.
type Class int

const (
	// ClassStatic covers scripts, styles, images and other app assets.
	ClassStatic Class = iota
	// ClassDynamic covers API calls.
	ClassDynamic
	// ClassNavigation covers top-level page loads.
	ClassNavigation
)

func (c Class) String() string {
	switch c {
	case ClassDynamic:
		return "dynamic"
	case ClassNavigation:
		return "navigation"
	default:
		return "static"
	}
}

// Classify routes req. A request is dynamic when its path lies under
// apiPrefix or it accepts JSON; a navigation when it is a GET in navigate
// mode or asks for HTML; static otherwise.
func Classify(req *http.Request, apiPrefix string) Class {
	accept := req.Header.Get("Accept")
	if underPrefix(req.URL.Path, apiPrefix) || strings.Contains(accept, "application/json") {
		return ClassDynamic
	}
	if req.Method == http.MethodGet || req.Method == http.MethodHead {
		if req.Header.Get("Sec-Fetch-Mode") == "navigate" || strings.Contains(accept, "text/html") {
			return ClassNavigation
		}
	}
	return ClassStatic
}

func underPrefix(path, prefix string) bool {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		return false
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func isRead(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == ""
}
