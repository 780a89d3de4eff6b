package scanreg

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// PoseMessage is the payload published for one scan.
type PoseMessage struct {
	Scan        string     `json:"scan"`
	Pose        Transform  `json:"pose"`
	Translation [3]float64 `json:"translation"`
	RotationDeg float64    `json:"rotationDeg"`
	Timestamp   int64      `json:"timestamp"`
}

// PosePublisher publishes aligned scan poses to MQTT: each scan on prefix/<scan> and
// all known poses together on prefix/poses.
type PosePublisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	poses         map[string]*PoseMessage
	mu            sync.RWMutex
}

// NewPosePublisher creates a publisher. A nil client disables publishing.
func NewPosePublisher(client mqtt.Client, prefix string) *PosePublisher {
	if prefix == "" {
		prefix = "scanreg"
	}
	return &PosePublisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,
		retain:        true,
		poses:         make(map[string]*PoseMessage),
	}
}

// PublishPose publishes one scan's pose and then the combined message.
func (p *PosePublisher) PublishPose(s Scan) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	pose := s.Pose()
	t := pose.TranslationPart()
	msg := &PoseMessage{
		Scan:        s.Name(),
		Pose:        pose,
		Translation: [3]float64{t.X, t.Y, t.Z},
		RotationDeg: RotationAngle(pose) * 180 / math.Pi,
		Timestamp:   time.Now().Unix(),
	}

	p.mu.Lock()
	p.poses[msg.Scan] = msg
	p.mu.Unlock()

	if err := p.publish(fmt.Sprintf("%s/%s", p.publishPrefix, msg.Scan), msg); err != nil {
		log.Printf("[MQTT] Error publishing pose for %s: %v", msg.Scan, err)
		return err
	}
	log.Printf("[MQTT] Published pose for %s: (%.3f, %.3f, %.3f) rot=%.2f°",
		msg.Scan, t.X, t.Y, t.Z, msg.RotationDeg)
	return p.publishCombined()
}

// PublishAll publishes every scan's pose, stopping at the first failure.
func (p *PosePublisher) PublishAll(scans []Scan) error {
	for _, s := range scans {
		if err := p.PublishPose(s); err != nil {
			return err
		}
	}
	return nil
}

func (p *PosePublisher) publishCombined() error {
	p.mu.RLock()
	poses := make([]*PoseMessage, 0, len(p.poses))
	for _, m := range p.poses {
		poses = append(poses, m)
	}
	p.mu.RUnlock()

	if len(poses) == 0 {
		return nil
	}
	sort.Slice(poses, func(i, j int) bool { return poses[i].Scan < poses[j].Scan })

	message := map[string]interface{}{
		"scans":     poses,
		"timestamp": time.Now().Unix(),
	}
	if err := p.publish(fmt.Sprintf("%s/poses", p.publishPrefix), message); err != nil {
		log.Printf("[MQTT] Error publishing combined poses: %v", err)
		return err
	}
	return nil
}

func (p *PosePublisher) publish(topic string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", topic, err)
	}
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// GetPose returns the last published pose for a scan.
func (p *PosePublisher) GetPose(name string) (*PoseMessage, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.poses[name]
	return m, ok
}

// ClearPose forgets a scan, e.g. after its pairs were deleted.
func (p *PosePublisher) ClearPose(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.poses, name)
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *PosePublisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *PosePublisher) SetRetain(retain bool) {
	p.retain = retain
}
