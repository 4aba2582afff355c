package dto

import "time"

// Conversation is the snapshot row served to navigation chrome.
type Conversation struct {
	ID              string    `json:"id"`
	ListingID       string    `json:"listing_id"`
	ListingTitle    string    `json:"listing_title,omitempty"`
	BuyerID         string    `json:"buyer_id"`
	SellerID        string    `json:"seller_id"`
	Counterpart     string    `json:"counterpart_id"`
	CounterpartName string    `json:"counterpart_name,omitempty"`
	Online          bool      `json:"online,omitempty"`
	LastMessage     string    `json:"last_message,omitempty"`
	LastMessageAt   time.Time `json:"last_message_at,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	Unread          int       `json:"unread,omitempty"`
}

// ConversationList is the snapshot collection.
type ConversationList struct {
	Items []Conversation `json:"items"`
}

// Badge mirrors the aggregate unread buckets.
type Badge struct {
	All     int `json:"all"`
	Buying  int `json:"buying"`
	Selling int `json:"selling"`
}
