package models

// NotificationSettings holds one toggle per alarm category for a user.
type NotificationSettings struct {
	UserID            string `json:"-" db:"user_id"`
	CommentAlarm      bool   `json:"commentAlarm" db:"comment_alarm"`
	LikeAlarm         bool   `json:"likeAlarm" db:"like_alarm"`
	PostAlarm         bool   `json:"postAlarm" db:"post_alarm"`
	MessageAlarm      bool   `json:"messageAlarm" db:"message_alarm"`
	InquiryAlarm      bool   `json:"inquiryAlarm" db:"inquiry_alarm"`
	AnnouncementAlarm bool   `json:"announcementAlarm" db:"announcement_alarm"`
}

// DefaultNotificationSettings returns settings with every category enabled.
func DefaultNotificationSettings(userID string) NotificationSettings {
	return NotificationSettings{
		UserID:            userID,
		CommentAlarm:      true,
		LikeAlarm:         true,
		PostAlarm:         true,
		MessageAlarm:      true,
		InquiryAlarm:      true,
		AnnouncementAlarm: true,
	}
}

func (s NotificationSettings) Enabled(t AlarmType) bool {
	switch t {
	case AlarmTypeNewComment:
		return s.CommentAlarm
	case AlarmTypeNewLike:
		return s.LikeAlarm
	case AlarmTypeNewPost:
		return s.PostAlarm
	case AlarmTypeNewMessage:
		return s.MessageAlarm
	case AlarmTypeNewInquiry:
		return s.InquiryAlarm
	case AlarmTypeNewAnnouncement:
		return s.AnnouncementAlarm
	default:
		return false
	}
}
