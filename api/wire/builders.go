package wire

import "time"

// Subscribe builds the subscribe request for key.
func Subscribe(key Key, now time.Time) Message {
	return control(TypeSubscribe, key, now)
}

// Unsubscribe builds the unsubscribe request for key.
func Unsubscribe(key Key, now time.Time) Message {
	return control(TypeUnsubscribe, key, now)
}

// Heartbeat builds a heartbeat for key.
func Heartbeat(key Key, now time.Time) Message {
	return control(TypeHeartbeat, key, now)
}

// StatusUpdate builds a status message addressed to key.
func StatusUpdate(key Key, status Status, text string, now time.Time) Message {
	m := control(TypeStatus, key, now)
	m.Status = status
	m.Message = text
	return m
}

// Failure builds an error message addressed to key.
func Failure(key Key, text string, now time.Time) Message {
	m := control(TypeError, key, now)
	m.Message = text
	m.Error = text
	return m
}

// Translation builds a translation delivery addressed to key.
func Translation(key Key, original, translated string, final bool, audio []byte, now time.Time) Message {
	m := control(TypeTranslation, key, now)
	m.Original = original
	m.Translation = translated
	m.Final = final
	m.AudioData = EncodeAudio(audio)
	return m
}

// Broadcast builds the producer-side broadcast request carrying one utterance.
func Broadcast(serviceID, original string, translations map[string]string, final bool, now time.Time) Message {
	cp := make(map[string]string, len(translations))
	for lang, text := range translations {
		cp[lang] = text
	}
	return Message{
		Type:         TypeBroadcast,
		ServiceID:    serviceID,
		Original:     original,
		Translations: cp,
		Final:        final,
		Timestamp:    FormatTime(now),
	}
}

func control(t MessageType, key Key, now time.Time) Message {
	return Message{
		Type:      t,
		ServiceID: key.ServiceID,
		Language:  key.Language,
		SessionID: key.SessionID,
		Timestamp: FormatTime(now),
	}
}
