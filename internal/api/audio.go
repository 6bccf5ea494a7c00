package api

import (
	"net/http"
	"strings"
)

// AudioFiles serves synthesized audio from dir. Directory listings and
// dot files, including recordings still being written, are not exposed.
func AudioFiles(dir string) http.Handler {
	files := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") || hasDotSegment(r.URL.Path) {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=3600")
		files.ServeHTTP(w, r)
	})
}

func hasDotSegment(path string) bool {
	for _, segment := range strings.Split(path, "/") {
		if strings.HasPrefix(segment, ".") {
			return true
		}
	}
	return false
}

// RegisterAudio mounts AudioFiles under urlPrefix when the prefix is a
// local path. A prefix pointing at another host is served elsewhere.
func RegisterAudio(mux *http.ServeMux, urlPrefix, dir string) bool {
	if !strings.HasPrefix(urlPrefix, "/") {
		return false
	}
	prefix := strings.TrimRight(urlPrefix, "/") + "/"
	mux.Handle("GET "+prefix, http.StripPrefix(prefix, AudioFiles(dir)))
	return true
}
