package coordination

import "fmt"

const (
	activeSlotIndexKey = "ctf:instances:active_zset"
)

func instanceKey(teamID, challengeID int64) string {
	return fmt.Sprintf("ctf:instance:team:%d:%d", teamID, challengeID)
}

func slotKey(teamID, challengeID int64) string {
	return fmt.Sprintf("ctf:active:team:%d:challenge:%d", teamID, challengeID)
}

func httpTokenKey(token string) string {
	return "ctf:token:http:" + token
}

func tcpTokenKey(token string) string {
	return "ctf:token:tcp:" + token
}

func handshakeKey(token string) string {
	return "ctf:handshake:" + token
}

func flagKey(teamID, challengeID int64) string {
	return fmt.Sprintf("ctf:flag:team:%d:%d", teamID, challengeID)
}

func sseConnectionKey(ip string) string {
	return "sse:ctf:ip:" + ip
}
