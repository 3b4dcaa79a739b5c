// Package graph holds directory entity types and the bulk retrieval
// scenarios built on the dispatcher.
package graph

import "time"

// DirectoryObject is a member of a group: a user, group, device or
// service principal.
type DirectoryObject struct {
	ID          string `json:"id"`
	ODataType   string `json:"@odata.type,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// User is a directory user.
type User struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName,omitempty"`
	UserPrincipalName string `json:"userPrincipalName,omitempty"`
	Mail              string `json:"mail,omitempty"`
	AccountEnabled    *bool  `json:"accountEnabled,omitempty"`

	// Messages is filled by the mailbox scenario.
	Messages []Message `json:"messages,omitempty"`

	// Removed is set on delta entries for deleted users.
	Removed *Removal `json:"@removed,omitempty"`
}

// Removal marks a delta entry as deleted.
type Removal struct {
	Reason string `json:"reason"`
}

// Group is a directory group.
type Group struct {
	ID           string `json:"id"`
	DisplayName  string `json:"displayName,omitempty"`
	MailNickname string `json:"mailNickname,omitempty"`

	// Members is filled by the membership scenario.
	Members []DirectoryObject `json:"members,omitempty"`
}

// Message is a mailbox message.
type Message struct {
	ID               string     `json:"id"`
	Subject          string     `json:"subject,omitempty"`
	ReceivedDateTime *time.Time `json:"receivedDateTime,omitempty"`
	IsRead           bool       `json:"isRead"`
}

// Device is a registered device.
type Device struct {
	ID              string  `json:"id"`
	DisplayName     string  `json:"displayName,omitempty"`
	OperatingSystem *string `json:"operatingSystem,omitempty"`
	IsManaged       *bool   `json:"isManaged,omitempty"`
	IsCompliant     *bool   `json:"isCompliant,omitempty"`
}

// SubscribedSku is a product the organization holds licenses for.
type SubscribedSku struct {
	SkuID         string `json:"skuId"`
	SkuPartNumber string `json:"skuPartNumber"`
}

// AssignedLicense is a license added to a user.
type AssignedLicense struct {
	SkuID         string   `json:"skuId"`
	DisabledPlans []string `json:"disabledPlans"`
}

// LicenseChange is the body of an assignLicense action. Both lists must
// be present even when empty.
type LicenseChange struct {
	AddLicenses    []AssignedLicense `json:"addLicenses"`
	RemoveLicenses []string          `json:"removeLicenses"`
}

// AttachMembers returns g with its full member list.
func AttachMembers(g Group, members []DirectoryObject) Group {
	g.Members = members
	return g
}

// AttachMessages returns u with its full mailbox.
func AttachMessages(u User, messages []Message) User {
	u.Messages = messages
	return u
}
