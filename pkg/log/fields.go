package log

import "go.uber.org/zap"

const (
	FieldNameComponent = "component"
	FieldNameSession   = "session_id"
	FieldNameRoom      = "room"
	FieldNameAddr      = "addr"
)

func FieldComponent(component string) zap.Field {
	return zap.String(FieldNameComponent, component)
}

func FieldSession(id uint64) zap.Field {
	return zap.Uint64(FieldNameSession, id)
}

func FieldRoom(room string) zap.Field {
	return zap.String(FieldNameRoom, room)
}

func FieldAddr(addr string) zap.Field {
	return zap.String(FieldNameAddr, addr)
}
