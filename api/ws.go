package api

import (
	"fmt"
	"net/http"
	"time"

	"DetCurator/imaging"
	iface "DetCurator/interface"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const wsIdleTimeout = 60 * time.Second

func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// StreamPredictAll reads base64 images as text frames and answers each with
// the predict-all result for that frame. The connection is dropped after
// wsIdleTimeout without a message.
func (h *Handler) StreamPredictAll(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader already wrote the HTTP error
		return
	}
	defer conn.Close()
	// base64 inflates by a third
	conn.SetReadLimit(h.maxUploadBytes()*4/3 + 1024)

	ctx := c.Request.Context()
	for seq := 1; ; seq++ {
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("websocket closed", zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage {
			if err := conn.WriteJSON(gin.H{"error": "unsupported message type"}); err != nil {
				return
			}
			continue
		}

		var reply any
		frame, err := h.frameFromBase64(string(msg), fmt.Sprintf("frame-%d", seq))
		if err != nil {
			reply = gin.H{"filename": frame.Filename, "error": err.Error()}
		} else {
			reply = h.predictor.PredictAll(ctx, frame)
		}
		if err := conn.WriteJSON(reply); err != nil {
			h.log.Debug("websocket write failed", zap.Error(err))
			return
		}
	}
}

func (h *Handler) frameFromBase64(payload, name string) (iface.Frame, error) {
	frame := iface.Frame{Filename: name}
	data, err := imaging.DecodeBase64(payload)
	if err != nil {
		return frame, fmt.Errorf("invalid image: %w", err)
	}
	img, original, err := h.decode(data)
	if err != nil {
		return frame, fmt.Errorf("invalid image: %w", err)
	}
	frame.Image = img
	frame.Original = original
	return frame, nil
}
