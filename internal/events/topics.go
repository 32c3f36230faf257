package events

// TopicAll receives every event emitted on a subject.
const TopicAll = "*"
