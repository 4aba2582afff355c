package chat

// Profile is a read-mostly projection of a participant owned by the identity
// service. Online is annotated locally by the presence tracker.
type Profile struct {
	ID          UserID
	DisplayName string
	AvatarURL   string
	Online      bool
}
