package dispatch

import (
	"github.com/lalithlochan/familypush/internal/db"
	"github.com/lalithlochan/familypush/internal/expo"
)

// MessageFor builds the gateway message for one record.
func MessageFor(rec *db.PushRecord) expo.Message {
	data := map[string]any{
		"notificationId": rec.ID.String(),
		"type":           rec.Type,
		"priority":       rec.Priority,
		"familyId":       rec.FamilyID.String(),
		"senderId":       rec.SenderID.String(),
		"isOneClick":     rec.IsOneClick,
	}
	if rec.TemplateID != nil {
		data["templateId"] = rec.TemplateID.String()
	}
	if rec.Icon != "" {
		data["icon"] = rec.Icon
	}

	return expo.Message{
		To:        rec.DeviceToken,
		Title:     rec.Title,
		Body:      rec.Content,
		Data:      data,
		Sound:     "default",
		Priority:  gatewayPriority(rec.Priority),
		ChannelID: channelFor(rec.Type),
	}
}

func gatewayPriority(p int) string {
	if p == db.PriorityHigh {
		return "high"
	}
	return "normal"
}

func channelFor(typ int) string {
	switch typ {
	case db.TypeSystem:
		return "system"
	case db.TypeUrgent:
		return "urgent"
	default:
		return "default"
	}
}
