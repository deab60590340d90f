package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/example/rescue-dispatch/internal/models"
)

// FCMSender posts offers to an FCM HTTP v1 style endpoint. Drivers subscribe
// to the topic "driver-<id>"; FCM data values must be strings.
type FCMSender struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMSender(endpoint, key string) *FCMSender {
	return &FCMSender{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMSender) Send(ctx context.Context, offer models.DispatchOffer) error {
	body := map[string]any{
		"message": map[string]any{
			"topic": "driver-" + offer.DriverID,
			"data": map[string]string{
				"trip_id":     offer.TripID,
				"role":        string(offer.Role),
				"mode":        string(offer.Mode),
				"eta_minutes": strconv.Itoa(offer.ETAMinutes),
				"total":       strconv.FormatFloat(offer.Total, 'f', 2, 64),
				"pickup":      offer.Pickup.Address,
			},
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}
	return nil
}
