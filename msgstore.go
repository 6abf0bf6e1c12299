package kiwibnc

import (
	"fmt"

	"gopkg.in/irc.v3"
)

// messageStore is the message-history store collaborator: an external
// service, referenced but not specified by the protocol state machine
// beyond one write path. PRIVMSG/NOTICE fan-out persists one record per
// message, keyed by (authUserId, authNetworkId).
type messageStore interface {
	Close() error
	Append(userID, networkID int64, entity string, msg *irc.Message) error
}

func newMessageStore(driver, source string) (messageStore, error) {
	switch driver {
	case "memory":
		return newMemoryMessageStore(), nil
	case "fs":
		return newFSMessageStore(source)
	default:
		return nil, fmt.Errorf("unknown message store driver %q", driver)
	}
}

type storedMessage struct {
	Entity string
	Msg    *irc.Message
}

type memoryMessageStore struct {
	messages map[int64]map[int64][]storedMessage
}

func newMemoryMessageStore() *memoryMessageStore {
	return &memoryMessageStore{messages: make(map[int64]map[int64][]storedMessage)}
}

func (s *memoryMessageStore) Close() error { return nil }

func (s *memoryMessageStore) Append(userID, networkID int64, entity string, msg *irc.Message) error {
	byNet, ok := s.messages[userID]
	if !ok {
		byNet = make(map[int64][]storedMessage)
		s.messages[userID] = byNet
	}
	byNet[networkID] = append(byNet[networkID], storedMessage{Entity: entity, Msg: msg})
	return nil
}
