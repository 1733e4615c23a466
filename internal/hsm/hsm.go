package hsm

import "shipbot/internal/model"

// Conversation states advance forward only. There is no path back out of
// expired or executed.
var conversationTransitions = map[model.ConversationStatus]map[model.ConversationStatus]bool{
	model.ConversationStatusProposed: {
		model.ConversationStatusConfirmed: true,
		model.ConversationStatusExpired:   true,
	},
	model.ConversationStatusConfirmed: {
		model.ConversationStatusExecuted: true,
		model.ConversationStatusExpired:  true,
	},
}

var runTransitions = map[model.RunStatus]map[model.RunStatus]bool{
	model.RunStatusQueued: {
		model.RunStatusInProgress: true,
		model.RunStatusCompleted:  true,
	},
	model.RunStatusInProgress: {
		model.RunStatusCompleted: true,
	},
}

func CanTransitionConversation(from model.ConversationStatus, to model.ConversationStatus) bool {
	if from == to {
		return false
	}
	return conversationTransitions[from][to]
}

func CanTransitionRun(from model.RunStatus, to model.RunStatus) bool {
	if from == to {
		return true
	}
	return runTransitions[from][to]
}
