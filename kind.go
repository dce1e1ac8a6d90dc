package keywarden

const (
	KindProfileMetadata        int = 0
	KindTextNote               int = 1
	KindContactList            int = 3
	KindEncryptedDirectMessage int = 4
	KindNostrConnect           int = 24133
)
