package plume

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// RunSummary is the retained message published after every run
type RunSummary struct {
	RunID      string           `json:"runId"`
	Status     string           `json:"status"`
	Rows       int              `json:"rows"`
	Dropped    int              `json:"dropped"`
	Anomalies  int              `json:"anomalies"`
	Pollutants []PollutantStats `json:"pollutants"`
	Artifacts  []string         `json:"artifacts"`
	Failures   []string         `json:"failures,omitempty"`
	Timestamp  int64            `json:"timestamp"`
}

// AnomalyMessage is one anomalous record on the anomalies topic
type AnomalyMessage struct {
	Timestamp string             `json:"timestamp"`
	Position  Position           `json:"position"`
	Score     *float64           `json:"score,omitempty"`
	Refined   map[string]float64 `json:"refined"`
}

// Publisher publishes run results to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
}

// NewPublisher creates a run publisher.
// If client is nil, publishing is disabled (for testing)
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = "plumefield"
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           1,
		retain:        true, // Retain so late subscribers see the last run
	}
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}

// PublishRun publishes the summary to <prefix>/summary and the anomalous
// records to <prefix>/anomalies
func (p *Publisher) PublishRun(summary *RunSummary, anomalies []ScoredRecord) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	if err := p.publishJSON("summary", summary); err != nil {
		return err
	}

	messages := make([]AnomalyMessage, 0, len(anomalies))
	for i := range anomalies {
		messages = append(messages, newAnomalyMessage(&anomalies[i]))
	}
	payload := map[string]interface{}{
		"runId":     summary.RunID,
		"anomalies": messages,
		"timestamp": summary.Timestamp,
	}
	if err := p.publishJSON("anomalies", payload); err != nil {
		return err
	}

	log.Printf("Published run %s: %d rows, %d anomalies", summary.RunID, summary.Rows, len(anomalies))
	return nil
}

func (p *Publisher) publishJSON(suffix string, v interface{}) error {
	topic := fmt.Sprintf("%s/%s", p.publishPrefix, suffix)

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", suffix, err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

func newAnomalyMessage(rec *ScoredRecord) AnomalyMessage {
	msg := AnomalyMessage{
		Timestamp: FormatTimestamp(rec.Time),
		Position:  rec.Position,
		Refined:   make(map[string]float64, NumGases),
	}
	if isFinite(rec.Score) {
		score := rec.Score
		msg.Score = &score
	}
	for _, g := range Gases {
		if v := rec.Refined[g]; isFinite(v) {
			msg.Refined[g.Pollutant()] = v
		}
	}
	return msg
}
