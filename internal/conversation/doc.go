// Package conversation defines the normalized message schema shared by every
// archive parser, and the tree reconstructor that linearizes branching
// chat exports.
//
// # Identity
//
// Message and conversation ids are UUIDv5 values derived from the content
// that identifies them, so parsing the same export twice yields the same ids:
//
//	convID := conversation.ConversationID(conversation.PlatformChatGPT, title, created, nativeID)
//	msgID := conversation.MessageID(conversation.PlatformChatGPT, convID, nativeID, ts, content)
//
// # Tree reconstruction
//
// Tree-graph exports (ChatGPT mapping, Claude Code parentUuid chains) are
// flattened with Reconstruct. Every branch is kept; orphans become sub-roots
// flagged in metadata; a child never precedes its parent; ordinals are dense
// and start at zero.
package conversation
