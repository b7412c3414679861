package storage

import "encoding/json"

// serverValueKey: маркер заглушки в JSON, которую подставляет хранилище.
const serverValueKey = ".sv"

type serverValue string

// MarshalJSON сохраняет заглушку при записи полей on-disconnect.
func (v serverValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{serverValueKey: string(v)})
}

// ServerTimestamp заменяется хранилищем на его собственное время
// (секунды с эпохи, float64) в момент применения записи.
var ServerTimestamp any = serverValue("timestamp")

func isServerTimestamp(v any) bool {
	switch sv := v.(type) {
	case serverValue:
		return sv == "timestamp"
	case map[string]any:
		return len(sv) == 1 && sv[serverValueKey] == "timestamp"
	}
	return false
}

// NeedsServerTime сообщает, есть ли среди полей верхнего уровня заглушка ServerTimestamp.
func NeedsServerTime(fields map[string]any) bool {
	for _, v := range fields {
		if isServerTimestamp(v) {
			return true
		}
	}
	return false
}

// ResolveServerValues возвращает копию fields, где заглушки заменены на now.
// Распознаются и значение в памяти, и его декодированная JSON-форма.
func ResolveServerValues(fields map[string]any, now float64) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if isServerTimestamp(v) {
			out[k] = now
			continue
		}
		out[k] = v
	}
	return out
}
