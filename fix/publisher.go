package fix

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// FixPublisher manages publishing completed fixes to MQTT
type FixPublisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	fixes         map[string]*FixRecord
	mu            sync.RWMutex
}

// NewFixPublisher creates a new fix publisher. The MQTT_PUBLISH_PREFIX env
// var overrides the configured prefix.
// If client is nil, publishing is disabled (for testing)
func NewFixPublisher(client mqtt.Client, prefix string) *FixPublisher {
	if env := os.Getenv("MQTT_PUBLISH_PREFIX"); env != "" {
		prefix = env
	}
	if prefix == "" {
		prefix = "radiofix"
	}

	return &FixPublisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,    // QoS 0 for fix updates (fire and forget)
		retain:        true, // Retain for latest fix
		fixes:         make(map[string]*FixRecord),
	}
}

// PublishFix publishes a single tag's fix to MQTT
// Publishes to both the individual tag topic and the combined fixes topic
func (p *FixPublisher) PublishFix(fix *FixRecord) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	if fix == nil || fix.Tag == "" {
		return fmt.Errorf("fix carries no tag ID")
	}

	// Store fix for combined message
	p.mu.Lock()
	p.fixes[fix.Tag] = fix
	p.mu.Unlock()

	// Publish to individual topic: radiofix/fixes/{tag}
	if err := p.publishIndividual(fix); err != nil {
		log.Printf("Error publishing fix for %s: %v", fix.Tag, err)
		return err
	}

	// Publish to combined topic: radiofix/fixes
	if err := p.publishCombined(); err != nil {
		log.Printf("Error publishing combined fixes: %v", err)
		return err
	}

	return nil
}

// publishIndividual publishes a single fix to its tag topic
func (p *FixPublisher) publishIndividual(fix *FixRecord) error {
	topic := fmt.Sprintf("%s/fixes/%s", p.publishPrefix, fix.Tag)

	payload, err := json.Marshal(fix)
	if err != nil {
		return fmt.Errorf("marshaling fix: %w", err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	log.Printf("Published fix for %s: %s", fix.Tag, Position(fix.Position).String())
	return nil
}

// publishCombined publishes all known fixes to the combined topic
func (p *FixPublisher) publishCombined() error {
	p.mu.RLock()
	fixes := make([]*FixRecord, 0, len(p.fixes))
	for _, fix := range p.fixes {
		fixes = append(fixes, fix)
	}
	p.mu.RUnlock()

	if len(fixes) == 0 {
		return nil
	}

	topic := fmt.Sprintf("%s/fixes", p.publishPrefix)

	// Create combined message
	message := map[string]interface{}{
		"fixes":     fixes,
		"timestamp": time.Now().Unix(),
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshaling combined fixes: %w", err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	return nil
}

// GetFix returns the last published fix for a tag
func (p *FixPublisher) GetFix(tag string) (*FixRecord, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	fix, ok := p.fixes[tag]
	return fix, ok
}

// GetAllFixes returns all last published fixes
func (p *FixPublisher) GetAllFixes() map[string]*FixRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()

	// Return a copy to avoid race conditions
	fixes := make(map[string]*FixRecord, len(p.fixes))
	for tag, fix := range p.fixes {
		fixCopy := *fix
		fixes[tag] = &fixCopy
	}
	return fixes
}

// ClearFix removes a tag's fix (e.g., when the tag goes offline)
func (p *FixPublisher) ClearFix(tag string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.fixes, tag)
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *FixPublisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *FixPublisher) SetRetain(retain bool) {
	p.retain = retain
}
