package server

import (
	"github.com/zeusync/ecsnet/internal/core/failure"
	"github.com/zeusync/ecsnet/internal/core/observability/log"
	"github.com/zeusync/ecsnet/internal/core/protocol"
)

// handleControl answers one control packet on the session that sent it.
// Registration notices to the other connections are sent by the registry
// watcher.
func (s *Server) handleControl(session *Session, packet protocol.Packet) error {
	t := protocol.ControlType(packet.Type)

	var reply protocol.Packet
	switch t {
	case protocol.ControlRegisterSystem:
		id, name, err := protocol.DecodeRegisterSystem(packet.Payload)
		if err != nil {
			return s.rejectControl(session, t, err)
		}
		ch, err := s.registry.RegisterSystem(name, id)
		reply = registerReply(ch, err)

	case protocol.ControlRegisterPlugin:
		name, err := protocol.DecodeName(t, packet.Payload)
		if err != nil {
			return s.rejectControl(session, t, err)
		}
		ch, err := s.registry.RegisterPlugin(name)
		reply = registerReply(ch, err)

	case protocol.ControlQueryChannel:
		name, err := protocol.DecodeName(t, packet.Payload)
		if err != nil {
			return s.rejectControl(session, t, err)
		}
		id, found := s.registry.ID(name)
		reply = protocol.QueryResponse{Found: found, ID: id, Name: name}.Packet()

	case protocol.ControlListChannels:
		reply = protocol.ListResponsePacket(s.registry.List())

	case protocol.ControlRequestChannelManifest:
		reply = s.registry.Manifest().Packet()

	default:
		return s.rejectControl(session, t, failure.Newf(failure.KindInvalidInput, "server.control", "unexpected control packet %s", t))
	}

	return s.reply(session, reply)
}

func registerReply(ch protocol.Channel, err error) protocol.Packet {
	if err != nil {
		return protocol.RegisterResponse{Error: err.Error()}.Packet()
	}
	return protocol.RegisterResponse{OK: true, ID: ch.ID}.Packet()
}

func (s *Server) rejectControl(session *Session, t protocol.ControlType, err error) error {
	session.malformed.Add(1)
	s.stats.malformed.Add(1)
	session.logger.Warn("Malformed control packet", log.String("type", t.String()), log.Error(err))
	_ = s.reply(session, protocol.ErrorPacket(err.Error()))
	return err
}

func (s *Server) reply(session *Session, packet protocol.Packet) error {
	if err := session.enqueue(protocol.EncodeFrame(packet)); err != nil {
		s.stats.dropped.Add(1)
		return err
	}
	s.stats.directSent.Add(1)
	return nil
}
