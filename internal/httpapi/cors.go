package httpapi

import "net/http"

// CORS allows cross-origin requests from any origin.
// Preflight requests are answered directly with 204.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(resp http.ResponseWriter, req *http.Request) {
		hdr := resp.Header()

		origin := req.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		} else {
			hdr.Add("Vary", "Origin")
		}

		hdr.Set("Access-Control-Allow-Origin", origin)
		hdr.Set("Access-Control-Allow-Credentials", "true")

		if req.Method != http.MethodOptions || req.Header.Get("Access-Control-Request-Method") == "" {
			next.ServeHTTP(resp, req)
			return
		}

		hdr.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		if reqHdrs := req.Header.Get("Access-Control-Request-Headers"); reqHdrs != "" {
			hdr.Set("Access-Control-Allow-Headers", reqHdrs)
		} else {
			hdr.Set("Access-Control-Allow-Headers", "*")
		}
		hdr.Set("Access-Control-Max-Age", "600")

		resp.WriteHeader(http.StatusNoContent)
	})
}
