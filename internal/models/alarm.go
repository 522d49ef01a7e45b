package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type AlarmType string

const (
	AlarmTypeNewComment      AlarmType = "NEW_COMMENT"
	AlarmTypeNewLike         AlarmType = "NEW_LIKE"
	AlarmTypeNewPost         AlarmType = "NEW_POST"
	AlarmTypeNewMessage      AlarmType = "NEW_MESSAGE"
	AlarmTypeNewInquiry      AlarmType = "NEW_INQUIRY"
	AlarmTypeNewAnnouncement AlarmType = "NEW_ANNOUNCEMENT"
)

// AlarmTypes lists every category in a stable order.
var AlarmTypes = []AlarmType{
	AlarmTypeNewComment,
	AlarmTypeNewLike,
	AlarmTypeNewPost,
	AlarmTypeNewMessage,
	AlarmTypeNewInquiry,
	AlarmTypeNewAnnouncement,
}

func (t AlarmType) IsValid() bool {
	for _, known := range AlarmTypes {
		if t == known {
			return true
		}
	}
	return false
}

func (t *AlarmType) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed := AlarmType(raw)
	if !parsed.IsValid() {
		return fmt.Errorf("unknown alarm type %q", raw)
	}
	*t = parsed
	return nil
}

type AlarmArgs struct {
	FromUserID string `json:"fromUserId"`
	TargetID   int64  `json:"targetId"`
}

// AlarmEvent is the payload carried on the durable log and pushed to live
// streams. ID stays nil until the event has been persisted. EventKey is
// assigned once at construction and identifies the event across redeliveries
// and replays. ReplayKey is the continuation token issued by the replay cache.
type AlarmEvent struct {
	ID            *int64    `json:"id"`
	ReceiveUserID string    `json:"receiveUserId"`
	AlarmType     AlarmType `json:"alarmType"`
	AlarmArgs     AlarmArgs `json:"alarmArgs"`
	CreatedAt     time.Time `json:"createdAt"`
	Text          string    `json:"text"`
	EventKey      string    `json:"eventKey"`
	ReplayKey     string    `json:"replayKey,omitempty"`
}

func (e AlarmEvent) WithID(id int64) AlarmEvent {
	e.ID = &id
	return e
}

func (e AlarmEvent) WithReplayKey(key string) AlarmEvent {
	e.ReplayKey = key
	return e
}

// Alarm is the permanent record of a delivered event.
type Alarm struct {
	ID            int64      `json:"id" db:"id"`
	EventKey      string     `json:"event_key" db:"event_key"`
	ReceiveUserID string     `json:"receive_user_id" db:"receive_user_id"`
	AlarmType     AlarmType  `json:"alarm_type" db:"alarm_type"`
	FromUserID    string     `json:"from_user_id" db:"from_user_id"`
	TargetID      int64      `json:"target_id" db:"target_id"`
	Text          string     `json:"text" db:"text"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	PushedAt      *time.Time `json:"pushed_at,omitempty" db:"pushed_at"`
}

// Event rebuilds the wire form of a stored alarm.
func (a Alarm) Event() AlarmEvent {
	id := a.ID
	return AlarmEvent{
		ID:            &id,
		ReceiveUserID: a.ReceiveUserID,
		AlarmType:     a.AlarmType,
		AlarmArgs: AlarmArgs{
			FromUserID: a.FromUserID,
			TargetID:   a.TargetID,
		},
		CreatedAt: a.CreatedAt,
		Text:      a.Text,
		EventKey:  a.EventKey,
	}
}
