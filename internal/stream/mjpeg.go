package stream

import "net/http"

const mjpegBoundary = "frame"

// MJPEGHandler serves the hub as multipart/x-mixed-replace until the client
// goes away.
func MJPEGHandler(h *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)

		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
		w.Header().Set("Cache-Control", "no-cache, no-store")
		w.WriteHeader(http.StatusOK)

		v := h.Subscribe()
		defer h.Unsubscribe(v)

		for {
			frame, ok := v.Next(r.Context())
			if !ok {
				return
			}
			if err := writePart(w, frame); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func writePart(w http.ResponseWriter, frame []byte) error {
	head := "--" + mjpegBoundary + "\r\nContent-Type: image/jpeg\r\n\r\n"
	if _, err := w.Write([]byte(head)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}
