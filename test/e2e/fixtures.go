package e2e

// commandFiles are written into the command directory of every run, one file
// per group, the way an operator lays them out.
var commandFiles = map[string]string{
	"interface.txt": "/interface print terse without-paging\n/interface ethernet print terse\n",
	"system.rsc":    "/system identity print\n/system resource print\n",
	"routing.txt":   "/ip route print terse\n",
}

// deviceResponses answers the operator commands that the mock has no built-in reply for
var deviceResponses = map[string]string{
	"/interface print terse without-paging": " 0 R name=ether1 default-name=ether1 type=ether mtu=1500\n 1 R name=ether2 default-name=ether2 type=ether mtu=1500\n",
	"/interface ethernet print terse":       " 0 R name=ether1 default-name=ether1 mac-address=00:00:5E:00:53:01\n",
	"/ip route print terse":                 " 0 ADS dst-address=0.0.0.0/0 gateway=192.0.2.1 distance=1\n",
}

// deviceFiles are present on the device file system before any run
var deviceFiles = map[string]string{
	"log.0.txt":                "may/01 10:00:00 system,info router rebooted\n",
	"flash/pub/my notes.txt":   "remember the milk\n",
	"flash/skins/default.json": "{}\n",
}
