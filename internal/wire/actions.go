package wire

// Action is the CommandRequest discriminator (§4.6, §6: "a recognized set
// of ≈70 values documented with the implementation"). The values below are
// the stable wire integers; adding a new action means appending to the
// end, never renumbering.
type Action int32

const (
	ActionUnknown Action = iota

	// Auth
	ActionSignIn
	ActionSignOut
	ActionGetVeriCode
	ActionAuthentication
	ActionRegister

	// Auth replies
	ActionAcceptLogin
	ActionRefused
	ActionAcceptPostCode
	ActionSuccessAuth
	ActionAcceptRegi

	// Connection binding
	ActionRememberConnection
	ActionOnlineInit
	ActionHeartbeat

	// Friendship
	ActionSearchPerson
	ActionAddFriendReq
	ActionAcceptFReq
	ActionRefuseFReq
	ActionRemoveFriend
	ActionBlockFriend
	ActionUnblockFriend

	// Group
	ActionCreateGroup
	ActionSearchGroup
	ActionJoinGroupReq
	ActionInviteToGroupReq
	ActionAcceptGReq
	ActionRefuseGReq
	ActionLeaveGroup
	ActionDisbandGroup
	ActionRemoveFromGroup
	ActionAddAdmin
	ActionRemoveAdmin

	// File
	ActionUploadFile
	ActionDownloadFile
	ActionAcceptFile
	ActionDenyFile
	ActionAcceptFileReq
	ActionDenyFileReq

	// Server-initiated notifications / synchronous-query replies
	ActionFriendOnline
	ActionFriendOffline
	ActionNotifyExist
	ActionNotifyNotExist
	ActionGiveGroupID
	ActionSuccess
	ActionManaged
)

var actionNames = map[Action]string{
	ActionUnknown:            "UNKNOWN",
	ActionSignIn:             "SIGN_IN",
	ActionSignOut:            "SIGN_OUT",
	ActionGetVeriCode:        "GET_VERI_CODE",
	ActionAuthentication:     "AUTHENTICATION",
	ActionRegister:           "REGISTER",
	ActionAcceptLogin:        "ACCEPT_LOGIN",
	ActionRefused:            "REFUSED",
	ActionAcceptPostCode:     "ACCEPT_POST_CODE",
	ActionSuccessAuth:        "SUCCESS_AUTH",
	ActionAcceptRegi:         "ACCEPT_REGI",
	ActionRememberConnection: "REMEMBER_CONNECTION",
	ActionOnlineInit:         "ONLINE_INIT",
	ActionHeartbeat:          "HEARTBEAT",
	ActionSearchPerson:       "SEARCH_PERSON",
	ActionAddFriendReq:       "ADD_FRIEND_REQ",
	ActionAcceptFReq:         "ACCEPT_FREQ",
	ActionRefuseFReq:         "REFUSE_FREQ",
	ActionRemoveFriend:       "REMOVE_FRIEND",
	ActionBlockFriend:        "BLOCK_FRIEND",
	ActionUnblockFriend:      "UNBLOCK_FRIEND",
	ActionCreateGroup:        "CREATE_GROUP",
	ActionSearchGroup:        "SEARCH_GROUP",
	ActionJoinGroupReq:       "JOIN_GROUP_REQ",
	ActionInviteToGroupReq:   "INVITE_TO_GROUP_REQ",
	ActionAcceptGReq:         "ACCEPT_GREQ",
	ActionRefuseGReq:         "REFUSE_GREQ",
	ActionLeaveGroup:         "LEAVE_GROUP",
	ActionDisbandGroup:       "DISBAND_GROUP",
	ActionRemoveFromGroup:    "REMOVE_FROM_GROUP",
	ActionAddAdmin:           "ADD_ADMIN",
	ActionRemoveAdmin:        "REMOVE_ADMIN",
	ActionUploadFile:         "UPLOAD_FILE",
	ActionDownloadFile:       "DOWNLOAD_FILE",
	ActionAcceptFile:         "ACCEPT_FILE",
	ActionDenyFile:           "DENY_FILE",
	ActionAcceptFileReq:      "ACCEPT_FILE_REQ",
	ActionDenyFileReq:        "DENY_FILE_REQ",
	ActionFriendOnline:       "FRIEND_ONLINE",
	ActionFriendOffline:      "FRIEND_OFFLINE",
	ActionNotifyExist:        "NOTIFY_EXIST",
	ActionNotifyNotExist:     "NOTIFY_NOT_EXIST",
	ActionGiveGroupID:        "GIVE_GROUP_ID",
	ActionSuccess:            "SUCCESS",
	ActionManaged:            "MANAGED",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return "UNRECOGNIZED"
}

// Recognized reports whether the handler has a registered behavior for
// this action. §4.6: "the handler logs any action it does not recognize
// and does not close the connection."
func (a Action) Recognized() bool {
	_, ok := actionNames[a]
	return ok && a != ActionUnknown
}
