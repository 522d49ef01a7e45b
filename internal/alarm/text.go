package alarm

import (
	"fmt"

	"github.com/24AWP-FAVICON/alarm-server/internal/models"
)

func alarmText(t models.AlarmType, actorName string) string {
	switch t {
	case models.AlarmTypeNewComment:
		return fmt.Sprintf("%s commented on your post.", actorName)
	case models.AlarmTypeNewLike:
		return fmt.Sprintf("%s liked your post.", actorName)
	case models.AlarmTypeNewPost:
		return fmt.Sprintf("%s shared a new post.", actorName)
	case models.AlarmTypeNewMessage:
		return fmt.Sprintf("%s sent you a message.", actorName)
	case models.AlarmTypeNewInquiry:
		return fmt.Sprintf("%s answered your inquiry.", actorName)
	case models.AlarmTypeNewAnnouncement:
		return "A new announcement has been posted."
	default:
		return string(t)
	}
}

func handshakeText(recipientID string) string {
	return fmt.Sprintf("EventStream Created. [userId=%s]", recipientID)
}
